// Package ctl implements capsulectl, the operator command line: key
// generation, schema migrations, one-off dispatch runs and audit trail
// inspection.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dmitrijs2005/capsulekeeper/internal/server"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/config"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/dispatcher"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/spf13/cobra"
)

// Backend is the subset of the server the commands drive.
type Backend interface {
	Migrate(ctx context.Context) error
	Dispatcher() *dispatcher.Dispatcher
	Repositories() repomanager.RepositoryManager
	Close() error
}

// Options injects configuration loading and backend construction.
type Options struct {
	LoadConfig func() *config.Config
	Open       func(cfg *config.Config) (Backend, error)
}

// DefaultOptions reads the server configuration and opens the full app.
func DefaultOptions() Options {
	return Options{
		LoadConfig: config.LoadConfig,
		Open: func(cfg *config.Config) (Backend, error) {
			return server.NewApp(cfg)
		},
	}
}

type rootFlags struct {
	config string
	dsn    string
}

// NewRootCommand creates the capsulectl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "capsulectl",
		Short:         "CapsuleKeeper operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Both are also read by the config loader from os.Args; declaring them
	// keeps cobra from rejecting them.
	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "path to JSON config file")
	cmd.PersistentFlags().StringVarP(&flags.dsn, "dsn", "d", "", "PostgreSQL DSN, overrides the config")

	open := func() (Backend, error) {
		cfg := opts.LoadConfig()
		if flags.dsn != "" {
			cfg.DatabaseDSN = flags.dsn
		}
		return opts.Open(cfg)
	}

	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newMigrateCommand(open))
	cmd.AddCommand(newDispatchOnceCommand(open))
	cmd.AddCommand(newAuditCommand(open))

	return cmd
}

func withBackend(open func() (Backend, error), fn func(b Backend) error) (err error) {
	b, err := open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close: %w", cerr)
		}
	}()
	return fn(b)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
