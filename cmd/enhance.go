package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/qbank/internal/enhance"
	"github.com/sells-group/qbank/internal/session"
)

var (
	enhanceIndex int
	enhanceStart int
	enhanceCount int
)

var enhanceCmd = &cobra.Command{
	Use:   "enhance <bank-id>",
	Short: "Generate improved explanations for one record or a range",
	Long: "With --index, enhances a single record (any status but enhancing). " +
		"Otherwise enhances every pending or errored record in [--start, --start+--count). " +
		"Ctrl-C stops a range after the record in progress.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch, err := initOrchestrator()
		if err != nil {
			return err
		}
		sess, cleanup, err := openBank(ctx, args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		out := cmd.OutOrStdout()

		if cmd.Flags().Changed("index") {
			res, err := orch.EnhanceOne(ctx, sess, enhanceIndex)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Record %d %s (%s prompt)\n", res.Index+1, res.Status, res.Prompt)
			printSpend(cmd)
			return nil
		}

		count := enhanceCount
		if count <= 0 {
			count = cfg.Enhance.BatchSize
		}
		errOut := cmd.ErrOrStderr()
		orch.OnProgress(func(p enhance.Progress) {
			fmt.Fprintf(errOut, "\rEnhancing %d/%d", p.Current, p.Total)
		})

		report, err := orch.EnhanceRange(ctx, sess, enhanceStart, count)
		if errors.Is(err, enhance.ErrNothingToEnhance) {
			fmt.Fprintln(out, "Nothing to enhance in range.")
			return nil
		}
		fmt.Fprintln(errOut)
		if report != nil {
			printReport(cmd, report)
		}
		if err != nil {
			return eris.Wrap(err, "enhance range")
		}
		if len(report.Failed) > 0 {
			return eris.Errorf("%d of %d records failed", len(report.Failed), report.Total)
		}
		return nil
	},
}

func printReport(cmd *cobra.Command, r *enhance.BatchReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Enhanced %d of %d records", len(r.Succeeded), r.Total)
	if r.Cancelled {
		fmt.Fprint(out, " (cancelled)")
	}
	fmt.Fprintln(out)
	for _, f := range r.Failed {
		hint := ""
		if f.Retryable() {
			hint = " (retryable)"
		}
		fmt.Fprintf(out, "  record %d failed%s: %v\n", f.Index+1, hint, f.Err)
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(out, "  %d records not attempted\n", len(r.Skipped))
	}
	printSpend(cmd)
}

func printSpend(cmd *cobra.Command) {
	t := spend.Totals()
	if t.Calls == 0 {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Model calls: %d, tokens in/out: %d/%d, estimated cost: $%.4f\n",
		t.Calls, t.Usage.Input+t.Usage.CacheWrite+t.Usage.CacheRead, t.Usage.Output, t.USD)
}

var (
	approveIndex    int
	approveAll      bool
	approveOriginal bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <bank-id>",
	Short: "Approve an enhanced record, keep a record's original, or approve every enhanced record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hasIndex := cmd.Flags().Changed("index")
		if hasIndex == approveAll {
			return eris.New("exactly one of --index or --all is required")
		}
		if approveOriginal && !hasIndex {
			return eris.New("--original requires --index")
		}

		sess, cleanup, err := openBank(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		defer cleanup()

		out := cmd.OutOrStdout()
		switch {
		case approveAll:
			n, err := sess.ApproveAll()
			if errors.Is(err, session.ErrNothingToApprove) {
				fmt.Fprintln(out, "No enhanced records to approve.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Approved %d records\n", n)
		case approveOriginal:
			if _, err := sess.ApproveOriginal(approveIndex); err != nil {
				return err
			}
			fmt.Fprintf(out, "Record %d approved with its original explanation\n", approveIndex+1)
		default:
			if _, err := sess.Approve(approveIndex); err != nil {
				return err
			}
			fmt.Fprintf(out, "Record %d approved\n", approveIndex+1)
		}
		return nil
	},
}

func init() {
	enhanceCmd.Flags().IntVar(&enhanceIndex, "index", 0, "zero-based record index to enhance")
	enhanceCmd.Flags().IntVar(&enhanceStart, "start", 0, "zero-based first record of the range")
	enhanceCmd.Flags().IntVar(&enhanceCount, "count", 0, "range length (default enhance.batch_size)")
	enhanceCmd.MarkFlagsMutuallyExclusive("index", "start")
	enhanceCmd.MarkFlagsMutuallyExclusive("index", "count")

	approveCmd.Flags().IntVar(&approveIndex, "index", 0, "zero-based record index")
	approveCmd.Flags().BoolVar(&approveAll, "all", false, "approve every enhanced record")
	approveCmd.Flags().BoolVar(&approveOriginal, "original", false, "approve with the original explanation")

	rootCmd.AddCommand(enhanceCmd, approveCmd)
}
