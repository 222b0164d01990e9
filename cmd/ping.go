package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/qbank/internal/store"
)

var pingInterval time.Duration

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Touch the record store so hosted databases stay awake",
	Long:  "Pings the store and lists banks once. With --interval, repeats until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if pingInterval <= 0 {
			n, err := countRecords(ctx, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ping successful. Banks: %d\n", n)
			return nil
		}

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			n, err := countRecords(ctx, st)
			if err != nil {
				zap.L().Warn("keep-alive ping failed", zap.Error(err))
			} else {
				zap.L().Info("keep-alive ping", zap.Int("banks", n))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func countRecords(ctx context.Context, st store.Store) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout())
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return 0, err
	}
	banks, err := st.ListBanks(ctx, cfg.OwnerID)
	if err != nil {
		return 0, err
	}
	return len(banks), nil
}

func init() {
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 0, "repeat every interval (e.g. 24h)")
	rootCmd.AddCommand(pingCmd)
}
