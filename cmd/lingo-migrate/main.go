package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/giggle/lingo/pkg/config"
	"github.com/giggle/lingo/pkg/storage"
)

var (
	configPath = flag.String("config", "", "Path to config file (YAML)")
	dsn        = flag.String("dsn", "", "MySQL DSN (overrides config)")
	timeout    = flag.Duration("timeout", 30*time.Second, "Migration timeout")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Lingo Database Migration Tool")
	log.Println("=============================")

	target := *dsn
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		if cfg.Database.Driver != "mysql" {
			log.Fatalf("Migrations only apply to the mysql driver, config uses %q", cfg.Database.Driver)
		}
		target = cfg.Database.DSN()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := storage.NewMySQLStore(ctx, target)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	log.Println("Applying schema...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Println("✓ Migration completed successfully")
}
