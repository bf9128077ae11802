package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/audit"
)

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check the local ledger for inconsistencies",
		Long: `Recompute ledger totals from their detail rows and report every row
whose stored value disagrees.

Checks:
  bill_payments       bill total equals the sum of its payments
  split_payment       split payment amount equals the sum of its parts
  customer_credit     credit balance equals accruals minus clearances
  customer_advance    advance balance equals deposits minus redemptions
  expense_settlement  expense amount equals its payments plus accruals
  expense_clearance   accrual clearances do not exceed accruals

The audit is read-only. It exits 1 when discrepancies are found.

Example:
  tillsync audit --config till.yaml
  tillsync audit --config till.yaml --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(rootOpts, cmd)
		},
	}
	return cmd
}

func runAudit(opts *RootOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	s, err := newSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.openLocal(ctx); err != nil {
		return err
	}

	auditor := audit.New(s.local, audit.WithLogger(s.log), audit.WithNow(opts.now))
	report, err := auditor.Run(ctx, s.cfg.BusinessUnitID)
	if err != nil {
		return s.out.fail(ExitCommandError, ErrCodeLocalStore, "audit failed", err)
	}

	if report.OK() {
		if s.out.JSON() {
			return s.out.Success(report)
		}
		return s.out.Success(fmt.Sprintf("Audit passed: %d checks, no discrepancies", len(report.Checks)))
	}

	message := fmt.Sprintf("audit found %d discrepancies", len(report.Discrepancies))
	if s.out.JSON() {
		if err := s.out.Error(ErrCodeAuditFailed, message, report); err != nil {
			return err
		}
		return NewExitError(ExitFailure, message)
	}

	rows := make([][]string, 0, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		rows = append(rows, []string{
			d.Check,
			d.Table,
			d.RowID,
			strconv.FormatInt(d.Expected, 10),
			strconv.FormatInt(d.Actual, 10),
			d.Detail,
		})
	}
	if err := s.out.Table([]string{"Check", "Table", "Row", "Expected", "Actual", "Detail"}, rows); err != nil {
		return err
	}
	if err := s.out.Error(ErrCodeAuditFailed, message, nil); err != nil {
		return err
	}
	return NewExitError(ExitFailure, message)
}
