package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"StableLedger/internal/persistence"
	"StableLedger/migrations"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list migrations and whether they are applied")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  STABLE_POSTGRES_DSN - Postgres connection string")
		fmt.Println("  MIGRATIONS_DIR      - read migrations from this directory instead of the embedded set")
		os.Exit(1)
	}

	pgURL := os.Getenv("STABLE_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/stableledger?sslmode=disable"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, migrations.FS)
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		migrator = persistence.NewMigrator(db, os.DirFS(dir))
	}

	ctx := context.Background()
	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate up: %v", err)
		}
		log.Printf("INFO: %d migrations applied", n)

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatalf("FATAL: migrate down: %v", err)
		}
		log.Println("INFO: last migration rolled back")

	case "status":
		status, err := migrator.Status(ctx)
		if err != nil {
			log.Fatalf("FATAL: migrate status: %v", err)
		}
		for _, s := range status {
			state := "pending"
			if s.Applied {
				state = "applied"
			}
			fmt.Printf("%s  %-8s %s\n", s.Version, state, s.Filename)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
