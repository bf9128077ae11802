package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/entity"
	"github.com/roach88/tillsync/internal/remote"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Remote bool
}

// MigrateResult is the JSON output of the migrate command.
type MigrateResult struct {
	LocalPath     string   `json:"local_path"`
	SchemaVersion int      `json:"schema_version"`
	RemoteTables  []string `json:"remote_tables,omitempty"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local store schema",
		Long: `Open the local store, applying any pending schema migrations.

Migrations run in order, each in its own transaction. A failed migration
leaves the store at the last version that applied cleanly.

With --remote, also create any missing tables in the remote store.

Example:
  tillsync migrate --config till.yaml
  tillsync migrate --config till.yaml --remote`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Remote, "remote", false, "also create missing remote tables")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.openLocal(ctx); err != nil {
		return err
	}
	version, err := s.local.SchemaVersion(ctx)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeLocalStore, "failed to read schema version", err)
	}
	result := MigrateResult{LocalPath: s.cfg.Local.Path, SchemaVersion: version}

	if opts.Remote {
		if err := s.openRemote(ctx); err != nil {
			return err
		}
		var tables []remote.Table
		for _, t := range entity.Registry() {
			tables = append(tables, t.Schema())
			result.RemoteTables = append(result.RemoteTables, t.RemoteTable())
		}
		if err := s.remote.CreateTables(ctx, tables); err != nil {
			return s.out.fail(ExitCommandError, ErrCodeRemoteStore, "failed to create remote tables", err)
		}
	}

	if s.out.JSON() {
		return s.out.Success(result)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Local store %s at schema version %d", result.LocalPath, result.SchemaVersion)
	if opts.Remote {
		fmt.Fprintf(&b, "\nRemote tables ready: %d", len(result.RemoteTables))
	}
	return s.out.Success(b.String())
}
