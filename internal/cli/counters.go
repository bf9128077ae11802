package cli

import (
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/sequence"
)

// CounterView is one counter with its formatted last number.
type CounterView struct {
	sequence.Counter
	Last string `json:"last"`
}

// NewCountersCommand creates the counters command.
func NewCountersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "counters",
		Short: "Show local sequence counters",
		Long: `List this device's order, bill and receipt counters for the configured
business unit, one row per sequence and period.

Counters are local to the device and never sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCounters(rootOpts, cmd)
		},
	}
}

func runCounters(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := newSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	gen, err := s.sequence()
	if err != nil {
		return err
	}
	if err := s.openLocal(ctx); err != nil {
		return err
	}
	counters, err := gen.Counters(ctx, s.local.DB())
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeLocalStore, "failed to read counters", err)
	}

	views := make([]CounterView, 0, len(counters))
	for _, c := range counters {
		views = append(views, CounterView{Counter: c, Last: gen.Format(c.Sequence, c.PeriodKey, c.Value)})
	}

	if s.out.JSON() {
		return s.out.Success(views)
	}

	now := opts.now()
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			v.Sequence,
			v.PeriodKey,
			strconv.FormatInt(v.Value, 10),
			v.Last,
			humanize.RelTime(v.UpdatedAt, now, "ago", "from now"),
		})
	}
	return s.out.Table([]string{"Sequence", "Period", "Value", "Last Number", "Updated"}, rows)
}
