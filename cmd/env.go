package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qbank/internal/cost"
	"github.com/sells-group/qbank/internal/enhance"
	"github.com/sells-group/qbank/internal/session"
	"github.com/sells-group/qbank/internal/store"
	"github.com/sells-group/qbank/pkg/anthropic"
)

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}

	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func sessionOptions() session.Options {
	return session.Options{
		Writeback:  cfg.WritebackConfig(),
		MaxHistory: cfg.History.MaxEntries,
	}
}

// openBank opens the store and activates bankID. The returned cleanup
// flushes pending writes and closes the store.
func openBank(ctx context.Context, bankID string) (*session.Session, func(), error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	ctrl := session.NewController(st, cfg.OwnerID, sessionOptions())

	sess, err := ctrl.Load(ctx, bankID)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, nil, err
	}

	cleanup := func() {
		// The command's ctx may already be cancelled; flush regardless.
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout())
		defer cancel()
		if err := ctrl.Close(flushCtx); err != nil {
			zap.L().Error("flushing bank", zap.String("bank_id", bankID), zap.Error(err))
		}
		st.Close() //nolint:errcheck
	}
	return sess, cleanup, nil
}

// spend accumulates provider usage for the running command.
var spend = cost.NewTracker(cost.NewCalculator(cost.DefaultRates()))

func initOrchestrator() (*enhance.Orchestrator, error) {
	if err := cfg.Validate("enhance"); err != nil {
		return nil, err
	}

	prompts, err := enhance.LoadPrompts(cfg.Enhance.PromptsFile)
	if err != nil {
		return nil, err
	}

	client := anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL)
	provider := enhance.NewAnthropicProvider(client, cfg.Anthropic.Model, int64(cfg.Anthropic.MaxTokens)).
		WithCosts(spend)
	fetcher := enhance.NewHTTPImageFetcher(cfg.ImageTimeout())

	return enhance.New(provider, fetcher, prompts, cfg.EnhanceConfig()), nil
}
