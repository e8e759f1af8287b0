// Command server runs the ClearBill API: the supplier, carrier, and
// admin HTTP surfaces plus the websocket event feed and the Prometheus
// exposition endpoint. Uploads process synchronously unless
// pipeline.async hands them to the queue worker.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clearbill/backend/internal/api"
	"github.com/clearbill/backend/internal/auth"
	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/events"
	"github.com/clearbill/backend/internal/metrics"
	"github.com/clearbill/backend/internal/pipeline"
	"github.com/clearbill/backend/internal/queue"
	"github.com/clearbill/backend/internal/storage"
	"github.com/clearbill/backend/internal/store"
	"github.com/clearbill/backend/internal/taxonomy"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	carriersPath := flag.String("carriers", os.Getenv("CARRIER_OVERRIDES_PATH"), "path to the per-carrier overrides file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	manager, err := config.NewManager(cfg, *carriersPath)
	if err != nil {
		log.Fatalf("Failed to load carrier overrides: %v", err)
	}
	if cfg.IsProduction() && cfg.Security.SecretKey == config.Default().Security.SecretKey {
		log.Fatal("SECRET_KEY is still the development default; refusing to start in production")
	}

	ctx := context.Background()
	st, cleanup := openStore(ctx, cfg)
	defer cleanup()

	files, err := storage.New(cfg.Storage.Backend, cfg.Storage.LocalPath)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend %q: %v", cfg.Storage.Backend, err)
	}

	hub := events.NewHub()
	go hub.Run()

	m := metrics.New(prometheus.DefaultRegisterer)

	var q *queue.Queue
	if cfg.Pipeline.Async {
		q, err = queue.Connect(ctx, cfg.Redis.URL, cfg.Redis.QueueName)
		if err != nil {
			log.Fatalf("pipeline.async is enabled but Redis is unreachable: %v", err)
		}
		defer q.Close()
	}

	orch := pipeline.New(st)
	orch.SetMetrics(m)
	orch.SetConfig(manager)

	srv := api.NewServer(api.Deps{
		Store:    st,
		Issuer:   auth.NewTokenIssuer(cfg.Security.SecretKey, cfg.Security.TokenExpiryMinutes),
		Files:    files,
		Config:   manager,
		Pipeline: orch,
		Hub:      hub,
		Metrics:  m,
		Queue:    q,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		hub.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("ClearBill API starting on port %s (env=%s, async=%t)", cfg.Server.Port, cfg.Server.Env, cfg.Pipeline.Async)
	log.Printf("Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

// openStore connects to Postgres and ensures the schema. Development
// machines without a database fall back to the in-memory store, with
// the taxonomy preloaded so the catalog surfaces work.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func()) {
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		if cfg.IsProduction() {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		log.Printf("WARNING: database unreachable (%v); using the in-memory store. Data will not survive a restart.", err)
		mem := store.NewMemoryStore()
		for i := range taxonomy.Catalog {
			item := taxonomy.Catalog[i]
			item.IsActive = true
			if err := mem.UpsertTaxonomyItem(ctx, &item); err != nil {
				log.Fatalf("Failed to seed in-memory taxonomy: %v", err)
			}
		}
		return mem, func() {}
	}

	pg := store.NewPostgresStore(db)
	if err := pg.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize database schema: %v", err)
	}
	return pg, func() { db.Close() }
}
