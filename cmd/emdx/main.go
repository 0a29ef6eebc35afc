// Command emdx is a knowledge-base agent orchestrator: it stores markdown
// documents, runs AI agents over them as supervised subprocesses, and
// drives documents through the idea → done refinement cascade.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/emdx-dev/emdx/internal/engine"
	"github.com/emdx-dev/emdx/internal/query"
	"github.com/emdx-dev/emdx/internal/storage"
)

// usageError makes main exit with code 2 instead of 1.
type usageError struct{ err error }

func (u *usageError) Error() string { return u.err.Error() }
func (u *usageError) Unwrap() error { return u.err }

func main() {
	// Local .env is a development convenience; absence is normal.
	_ = godotenv.Load()

	a := &app{}
	root := newRootCmd(a)
	if err := root.Execute(); err != nil {
		a.close()
		fmt.Fprintf(os.Stderr, "emdx: %v\n", err)
		var uerr *usageError
		if errors.As(err, &uerr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	a.close()
}

// app holds the lazily-initialized shared state behind every subcommand.
type app struct {
	configPath string
	dbPath     string
	verbose    bool

	log *slog.Logger
	cfg *engine.Config
	db  *storage.DB
	eng *engine.Engine
	q   *query.Queries
}

// init loads config, sets up logging and opens the database. Called from
// the root PersistentPreRunE; the wrapper subcommand opts out because it
// must not touch the store.
func (a *app) init() error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.log)

	path := a.configPath
	if path == "" {
		path = engine.DefaultConfigPath()
	}
	cfg, err := engine.LoadConfigFile(path)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.DatabasePath = a.dbPath
	}
	a.cfg = cfg

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.db = db
	a.eng = engine.New(db, cfg, a.log)
	a.q = query.New(db)
	return nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "emdx",
		Short:         "Knowledge-base agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: $EMDX_CONFIG or ~/.config/emdx/config.yaml)")
	root.PersistentFlags().StringVar(&a.dbPath, "db", "", "database file (overrides config)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})

	root.AddCommand(
		newExecCmd(a),
		newCascadeCmd(a),
		newAgentCmd(a),
		newSaveCmd(a),
		newPrimeCmd(a),
		newWrapperCmd(),
	)
	return root
}
