// Command migrate applies the embedded schema migrations.
//
// Usage:
//
//	migrate up                 # apply all pending migrations
//	migrate up-to <version>    # apply up to and including version
//	migrate down               # roll back the last migration
//	migrate down-to <version>  # roll back to version
//	migrate status             # list migrations and their state
//	migrate version            # print the current schema version
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/migrations"
)

const usage = "usage: migrate up | up-to <version> | down | down-to <version> | status | version"

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	if err := run(context.Background(), os.Args[1:]); err != nil {
		logger.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	switch args[0] {
	case "up":
		results, err := provider.Up(ctx)
		printResults(results)
		return err
	case "up-to", "down-to":
		if len(args) < 2 {
			return fmt.Errorf("%s requires a version", args[0])
		}
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q", args[1])
		}
		var results []*goose.MigrationResult
		if args[0] == "up-to" {
			results, err = provider.UpTo(ctx, v)
		} else {
			results, err = provider.DownTo(ctx, v)
		}
		printResults(results)
		return err
	case "down":
		result, err := provider.Down(ctx)
		if result != nil {
			printResults([]*goose.MigrationResult{result})
		}
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "-"
			if !s.AppliedAt.IsZero() {
				applied = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%05d  %-10s  %-20s  %s\n", s.Source.Version, s.State, applied, s.Source.Path)
		}
		return nil
	case "version":
		v, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return errors.New(usage)
	}
}

func printResults(results []*goose.MigrationResult) {
	if len(results) == 0 {
		fmt.Println("no migrations to run")
		return
	}
	for _, r := range results {
		fmt.Printf("%-4s %05d  %s  (%s)\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
}
