// Command migrate applies or rolls back the embedded schema migrations
// against a Postgres instance.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/loghorn/aggregator/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	dsn := flag.String("database", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
	flag.Parse()

	if *dsn == "" {
		return errors.New("-database flag or DATABASE_URL required")
	}
	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	db, err := store.Open(*dsn, store.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	switch args[0] {
	case "up":
		return store.ApplyMigrations(db)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return store.RollbackMigrations(db, steps)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
