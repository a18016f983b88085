// migrate applies the Postgres document-store schema. Only needed with DOCSTORE_DRIVER=postgres.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"presence-agent/internal/config"
	"presence-agent/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	version, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err == nil {
		fmt.Printf("schema version %d (dirty=%t)\n", version, dirty)
	}
}
