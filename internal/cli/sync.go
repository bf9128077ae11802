package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Tables []string
	Watch  bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote changes",
		Long: `Reconcile the local store with the remote store.

Tables sync parents first. Each table pushes rows changed since its last
push, then pulls remote rows changed since its last pull. A failing table
keeps its checkpoints and does not stop the others.

With --watch, sync repeats every sync.interval until interrupted and, when
metrics.addr is set, serves Prometheus metrics at /metrics.

Example:
  tillsync sync --config till.yaml
  tillsync sync --config till.yaml --table customers --table orders
  tillsync sync --config till.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Tables, "table", nil, "sync only this table (repeatable)")
	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "sync repeatedly until interrupted")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := newSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	tables, err := resolveTables(opts.Tables)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeUnknownTable, err.Error(), nil)
	}
	if err := s.openLocal(ctx); err != nil {
		return err
	}
	if err := s.openRemote(ctx); err != nil {
		return err
	}
	eng, err := s.engine(tables)
	if err != nil {
		return err
	}

	if opts.Watch {
		return watch(ctx, s, eng)
	}

	report, syncErr := eng.SyncAll(ctx)
	return s.printReport(report, syncErr)
}

// SyncResult is the JSON output of the sync command.
type SyncResult struct {
	*engine.Report
	Pushed int `json:"pushed"`
	Pulled int `json:"pulled"`
}

func (s *session) printReport(report *engine.Report, syncErr error) error {
	result := SyncResult{Report: report, Pushed: report.Pushed(), Pulled: report.Pulled()}

	if !s.out.JSON() {
		rows := make([][]string, 0, len(report.Tables))
		for _, t := range report.Tables {
			rows = append(rows, []string{
				t.Table,
				strconv.Itoa(t.Pushed),
				strconv.Itoa(t.Pulled),
				status(t),
				t.Duration.Round(time.Millisecond).String(),
			})
		}
		if err := s.out.Table([]string{"Table", "Pushed", "Pulled", "Status", "Duration"}, rows); err != nil {
			return err
		}
	}

	if syncErr != nil {
		failed := engine.FailedTables(syncErr)
		message := fmt.Sprintf("%d table(s) failed to sync", len(failed))
		if errors.Is(syncErr, context.Canceled) || errors.Is(syncErr, context.DeadlineExceeded) {
			message = "sync interrupted"
		}
		var details any = result
		if !s.out.JSON() {
			details = syncErr.Error()
		}
		if err := s.out.Error(ErrCodeSyncFailed, message, details); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, message, syncErr)
	}

	if s.out.JSON() {
		return s.out.Success(result)
	}
	return s.out.Success(fmt.Sprintf("Run %d: pushed %s, pulled %s rows",
		report.Run, humanize.Comma(int64(result.Pushed)), humanize.Comma(int64(result.Pulled))))
}

func status(t engine.TableResult) string {
	switch {
	case t.Err != nil:
		var se *engine.SyncError
		if errors.As(t.Err, &se) {
			return string(se.Code)
		}
		return "error"
	case t.Skipped:
		return "skipped"
	}
	return "ok"
}

// watch syncs every interval until interrupted. Failed runs are reported
// and retried on the next tick.
func watch(ctx context.Context, s *session, eng *engine.Engine) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	interval := s.cfg.Sync.Interval
	if interval <= 0 {
		interval = time.Minute
	}

	if addr := s.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.WithError(err).Error("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		s.log.WithField("addr", addr).Info("serving metrics")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.WithField("interval", interval.String()).Info("watching")
	for {
		report, syncErr := eng.SyncAll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err := s.printReport(report, syncErr); err != nil && GetExitCode(err) != ExitFailure {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
