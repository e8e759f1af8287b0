// Command worker consumes the Redis invoice queue and runs the
// processing pipeline on stored files. It is the deferred half of the
// upload path: the API stores the file, records the SUBMITTED version,
// and enqueues; this process does the parsing, classification, and
// validation.
//
// Failed runs are retried up to maxAttempts; the pipeline's own
// compensation leaves the invoice SUBMITTED between attempts, so a
// retry is always safe.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/metrics"
	"github.com/clearbill/backend/internal/pipeline"
	"github.com/clearbill/backend/internal/queue"
	"github.com/clearbill/backend/internal/storage"
	"github.com/clearbill/backend/internal/store"
)

const (
	// maxAttempts bounds retries per job; after that the job is dropped
	// and the invoice stays SUBMITTED for a manual rerun.
	maxAttempts = 3

	// dequeueWait is how long one blocking pop waits before the loop
	// comes back around to check for shutdown.
	dequeueWait = 15 * time.Second

	// runTimeout caps a single pipeline run.
	runTimeout = 10 * time.Minute
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to the YAML config file")
	carriersPath := flag.String("carriers", os.Getenv("CARRIER_OVERRIDES_PATH"), "path to the per-carrier overrides file")
	metricsAddr := flag.String("metrics-addr", ":9091", "listen address for /metrics and /health")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	manager, err := config.NewManager(cfg, *carriersPath)
	if err != nil {
		log.Fatalf("Failed to load carrier overrides: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	pg := store.NewPostgresStore(db)
	if err := pg.Init(ctx); err != nil {
		log.Fatalf("Failed to initialize database schema: %v", err)
	}

	files, err := storage.New(cfg.Storage.Backend, cfg.Storage.LocalPath)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend %q: %v", cfg.Storage.Backend, err)
	}

	q, err := queue.Connect(ctx, cfg.Redis.URL, cfg.Redis.QueueName)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer q.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	orch := pipeline.New(pg)
	orch.SetMetrics(m)
	orch.SetConfig(manager)

	go serveMetrics(*metricsAddr)

	log.Printf("ClearBill worker started, queue %q", q.Key())
	run(ctx, q, orch, files, m)
	log.Println("Worker stopped")
}

// run is the consume loop. It exits when ctx is cancelled; the job in
// flight finishes or rolls back through the pipeline's transaction.
func run(ctx context.Context, q *queue.Queue, orch *pipeline.Orchestrator, files pipeline.FileLoader, m *metrics.Metrics) {
	for {
		job, err := q.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Dequeue failed: %v; backing off", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if depth, derr := q.Depth(ctx); derr == nil {
			m.SetQueueDepth(depth)
		}
		if job == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		process(ctx, q, orch, files, job)
	}
}

func process(ctx context.Context, q *queue.Queue, orch *pipeline.Orchestrator, files pipeline.FileLoader, job *queue.Job) {
	log.Printf("Processing invoice %s (job %s, attempt %d)", job.InvoiceID, job.ID, job.Attempt)

	runCtx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	summary, err := orch.ProcessStored(runCtx, files, job.InvoiceID)
	if err == nil {
		if summary.Skipped {
			log.Printf("Invoice %s already processed at this version; job %s dropped", job.InvoiceID, job.ID)
			return
		}
		log.Printf("Invoice %s finished in status %s (%d lines, %d errors)",
			job.InvoiceID, summary.Status, summary.LinesProcessed, summary.LinesError)
		return
	}

	if errors.Is(err, context.Canceled) {
		// Shutdown mid-run; the transaction rolled back. Put the job
		// back so the next worker picks it up.
		if rerr := q.Requeue(context.Background(), job); rerr != nil {
			log.Printf("Requeue after shutdown failed for job %s: %v", job.ID, rerr)
		}
		return
	}

	log.Printf("Pipeline failed for invoice %s (attempt %d): %v", job.InvoiceID, job.Attempt, err)
	if job.Attempt >= maxAttempts {
		log.Printf("Job %s exhausted %d attempts; dropping. Invoice %s remains SUBMITTED.", job.ID, maxAttempts, job.InvoiceID)
		return
	}
	if rerr := q.Requeue(ctx, job); rerr != nil {
		log.Printf("Requeue failed for job %s: %v", job.ID, rerr)
	}
}

// serveMetrics exposes liveness and the Prometheus registry on a
// sidecar port, the same shape the API serves them.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"clearbill-worker"}`))
	})
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Printf("Metrics listener failed: %v", err)
	}
}
