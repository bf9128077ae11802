package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Show per-table sync positions",
		Long: `List the last push, last pull and last sync time of every table,
with the error of the last failed sync.

Example:
  tillsync checkpoints --config till.yaml
  tillsync checkpoints reset orders --config till.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoints(rootOpts, cmd)
		},
	}
	cmd.AddCommand(newCheckpointsResetCommand(rootOpts))
	return cmd
}

func runCheckpoints(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := newSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.openLocal(ctx); err != nil {
		return err
	}
	eng, err := s.engine(nil)
	if err != nil {
		return err
	}
	cps, err := eng.Checkpoints(ctx)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeLocalStore, "failed to read checkpoints", err)
	}

	if s.out.JSON() {
		return s.out.Success(cps)
	}

	now := opts.now()
	rows := make([][]string, 0, len(cps))
	for _, cp := range cps {
		rows = append(rows, []string{
			cp.Table,
			ago(cp.LastPushAt, now),
			ago(cp.LastPullAt, now),
			ago(cp.LastSyncAt, now),
			cp.LastError,
		})
	}
	return s.out.Table([]string{"Table", "Last Push", "Last Pull", "Last Sync", "Error"}, rows)
}

func ago(t *time.Time, now time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

// CheckpointsResetOptions holds flags for the checkpoints reset command.
type CheckpointsResetOptions struct {
	*RootOptions
	All bool
}

func newCheckpointsResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointsResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset [table...]",
		Short: "Forget sync positions so tables fully resync",
		Long: `Delete the checkpoints of the named tables, or of every table with --all.

The next sync re-pushes every local row of those tables and re-pulls every
remote row. Rows already in place are left unchanged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpointsReset(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "reset every table")

	return cmd
}

// ResetResult is the JSON output of the checkpoints reset command.
type ResetResult struct {
	Reset []string `json:"reset"`
}

func runCheckpointsReset(opts *CheckpointsResetOptions, tables []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if opts.All == (len(tables) > 0) {
		return s.out.fail(ExitCommandError, ErrCodeGeneric, "name tables to reset or pass --all", nil)
	}
	resolved, err := resolveTables(tables)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeUnknownTable, err.Error(), nil)
	}

	if err := s.openLocal(ctx); err != nil {
		return err
	}
	eng, err := s.engine(nil)
	if err != nil {
		return err
	}

	var result ResetResult
	if opts.All {
		if err := eng.ResetAll(ctx); err != nil {
			return s.out.fail(ExitCommandError, ErrCodeLocalStore, "failed to reset checkpoints", err)
		}
		result.Reset = eng.Tables()
	} else {
		for _, t := range resolved {
			if err := eng.ResetCheckpoint(ctx, t.Table()); err != nil {
				return s.out.fail(ExitCommandError, ErrCodeLocalStore, "failed to reset checkpoints", err)
			}
			result.Reset = append(result.Reset, t.Table())
		}
	}

	if s.out.JSON() {
		return s.out.Success(result)
	}
	return s.out.Success(fmt.Sprintf("Reset %d checkpoint(s); the next sync resends those tables", len(result.Reset)))
}
