package ctl

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/cryptox"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/config"
	"github.com/spf13/cobra"
)

func newKeygenCommand() *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new vault master key",
		Long: `Generate a random vault master key and print it as an environment
assignment. Add it with a version higher than every existing key to rotate;
keep the old versions configured so existing letters stay readable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if version <= 0 {
				return fmt.Errorf("version must be positive, got %d", version)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s%d=%s\n", config.MasterKeyEnvPrefix, version, cryptox.GenerateMasterKey())
			return err
		},
	}
	cmd.Flags().IntVar(&version, "version", 1, "key version to print the assignment for")
	return cmd
}

func newMigrateCommand(open func() (Backend, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(open, func(b Backend) error {
				if err := b.Migrate(cmd.Context()); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return err
			})
		},
	}
}

func newDispatchOnceCommand(open func() (Backend, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch-once",
		Short: "Run a single dispatch tick and print what it did",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(open, func(b Backend) error {
				res, err := b.Dispatcher().Tick(cmd.Context())
				if err != nil {
					return fmt.Errorf("dispatch tick: %w", err)
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

type auditLine struct {
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Payload   any       `json:"payload"`
}

func newAuditCommand(open func() (Backend, error)) *cobra.Command {
	var (
		identity string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit trail of an identity, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity == "" {
				return fmt.Errorf("--identity is required")
			}
			return withBackend(open, func(b Backend) error {
				repos := b.Repositories()
				events, err := repos.AuditEvents(repos.Conn()).ListByIdentity(cmd.Context(), identity, limit)
				if err != nil {
					return err
				}
				lines := make([]auditLine, 0, len(events))
				for _, ev := range events {
					lines = append(lines, auditLine{Type: ev.Type, CreatedAt: ev.CreatedAt, Payload: ev.Payload})
				}
				return writeJSON(cmd.OutOrStdout(), lines)
			})
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "identity id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}
