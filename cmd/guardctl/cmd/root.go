package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/breaker"
	"github.com/mbd888/discard/internal/clock"
)

// Backend is what the commands operate on.
type Backend struct {
	Breakers *breaker.Registry
	Anchorer *audit.Anchorer
	Close    func() error
}

// Opener connects to a backend for one command invocation.
type Opener func(ctx context.Context, databaseURL string) (*Backend, error)

// Execute runs guardctl against Postgres.
func Execute() error {
	return NewRootCmd(OpenPostgres).Execute()
}

// NewRootCmd builds the command tree around open.
func NewRootCmd(open Opener) *cobra.Command {
	var databaseURL string
	var backend *Backend

	root := &cobra.Command{
		Use:          "guardctl",
		Short:        "Operate circuit breakers and the audit log",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				databaseURL = os.Getenv("DATABASE_URL")
			}
			b, err := open(cmd.Context(), databaseURL)
			if err != nil {
				return err
			}
			backend = b
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if backend != nil && backend.Close != nil {
				return backend.Close()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", "", "PostgreSQL DSN (default $DATABASE_URL)")

	get := func() *Backend { return backend }
	root.AddCommand(
		newBreakerCmd(get),
		newAuditCmd(get),
	)
	return root
}

// OpenPostgres wires the breaker registry and audit anchorer to Postgres.
// Operator actions are audited under the affected user.
func OpenPostgres(ctx context.Context, databaseURL string) (*Backend, error) {
	_ = godotenv.Load()
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		return nil, fmt.Errorf("missing database: set --database-url or env DATABASE_URL")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	clk := clock.Real()
	events := audit.NewPostgresStore(db)
	return &Backend{
		Breakers: breaker.NewRegistry(breaker.NewPostgresStore(db), clk, audit.NewLog(events, clk)),
		Anchorer: audit.NewAnchorer(events, events, clk, 0),
		Close:    db.Close,
	}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
