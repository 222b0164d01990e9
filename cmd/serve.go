package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/qbank/internal/api"
	"github.com/sells-group/qbank/internal/session"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for the review UI",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		orch, err := initOrchestrator()
		if err != nil {
			return err
		}

		ctrl := session.NewController(st, cfg.OwnerID, sessionOptions())
		// Resume where the user left off.
		if _, err := ctrl.LoadMostRecent(ctx); err != nil && !errors.Is(err, session.ErrNoActiveBank) {
			zap.L().Warn("could not restore most recent bank", zap.Error(err))
		}

		apiSrv := api.New(ctrl, orch, api.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			BatchSize:      cfg.Enhance.BatchSize,
			Costs:          spend,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           apiSrv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		done := make(chan struct{})
		go func() {
			defer close(done)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("http shutdown", zap.Error(err))
			}
			if err := apiSrv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("batch shutdown", zap.Error(err))
			}
			if err := ctrl.Close(shutdownCtx); err != nil {
				zap.L().Error("flushing active bank", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		<-done
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
