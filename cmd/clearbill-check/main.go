// Command clearbill-check is the pre-flight diagnostic run before
// starting the API or worker: it verifies configuration, database
// connectivity and schema, Redis, and the storage root, and exits
// non-zero if anything required is broken.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/clearbill/backend/internal/config"
	"github.com/clearbill/backend/internal/queue"
	"github.com/clearbill/backend/internal/storage"
	"github.com/clearbill/backend/internal/store"
)

type component struct {
	name string
	test func(ctx context.Context, cfg *config.Config) error
}

func main() {
	fmt.Println("\033[96mClearBill - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Printf("Configuration...          \033[31m[FAIL]\033[0m\n  >> %v\n", err)
		os.Exit(1)
	}

	components := []component{
		{"Configuration", checkConfig},
		{"Database (Postgres)", checkDatabase},
		{"Taxonomy projection", checkTaxonomy},
		{"Queue (Redis)", checkRedis},
		{"Storage root", checkStorage},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := false
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.name+"...")
		if err := c.test(ctx, cfg); err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
			failed = true
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed {
		fmt.Println("\033[31mStatus: Not ready. Fix the failures above and re-run.\033[0m")
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Ready for invoice traffic.\033[0m")
}

func checkConfig(ctx context.Context, cfg *config.Config) error {
	if cfg.IsProduction() && cfg.Security.SecretKey == config.Default().Security.SecretKey {
		return fmt.Errorf("SECRET_KEY is the development default in a production environment")
	}
	if cfg.Security.TokenExpiryMinutes <= 0 {
		return fmt.Errorf("token expiry must be positive, got %d", cfg.Security.TokenExpiryMinutes)
	}
	return nil
}

func checkDatabase(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	return store.NewPostgresStore(db).Init(ctx)
}

func checkTaxonomy(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	items, err := store.NewPostgresStore(db).ListTaxonomyItems(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("taxonomy table is empty; run cmd/seed")
	}
	return nil
}

func checkRedis(ctx context.Context, cfg *config.Config) error {
	q, err := queue.Connect(ctx, cfg.Redis.URL, cfg.Redis.QueueName)
	if err != nil {
		if !cfg.Pipeline.Async {
			// Sync deployments work without Redis; still report it so
			// the operator knows what flipping pipeline.async would do.
			return fmt.Errorf("unreachable (only needed with pipeline.async): %w", err)
		}
		return err
	}
	defer q.Close()
	_, err = q.Depth(ctx)
	return err
}

func checkStorage(ctx context.Context, cfg *config.Config) error {
	backend, err := storage.New(cfg.Storage.Backend, cfg.Storage.LocalPath)
	if err != nil {
		return err
	}
	path, err := backend.Save(ctx, []byte("preflight probe"), "system", "preflight.txt")
	if err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	ok, err := backend.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("probe file written but not readable back")
	}
	return nil
}
