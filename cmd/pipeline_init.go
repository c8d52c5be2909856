package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/batch"
	"github.com/sells-group/planfinder/internal/extract"
	"github.com/sells-group/planfinder/internal/fallback"
	"github.com/sells-group/planfinder/internal/jobs"
	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/orchestrator"
	"github.com/sells-group/planfinder/internal/quality"
	"github.com/sells-group/planfinder/internal/search"
	"github.com/sells-group/planfinder/internal/store"
	"github.com/sells-group/planfinder/internal/telemetry"
)

// engineEnv holds the store and every engine component needed by the
// serve, read, and refresh commands.
type engineEnv struct {
	Store   store.Store
	Ledger  *ledger.Ledger
	Invoker *fallback.Invoker
	Orch    *orchestrator.Orchestrator
	Batch   *batch.Pipeline
	Search  *search.Service
}

// Close waits for background refreshes and releases the store.
func (e *engineEnv) Close() {
	if e.Orch != nil {
		e.Orch.Wait()
	}
	if e.Batch != nil {
		e.Batch.Wait()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine opens and migrates the store and wires the engine. metrics may
// be nil. Callers should defer env.Close().
func initEngine(ctx context.Context, metrics *telemetry.Metrics) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	fallbackProvider := initProvider(cfg.Fallback.Provider)
	batchProvider := initProvider(cfg.Batch.Provider)

	lg := ledger.New(st, ledger.OptionsFromConfig(cfg))
	gate := quality.NewGate(st, cfg.Quality.ConfidenceFloor)
	tracker := jobs.NewTracker(st, metrics)

	invOpts := fallback.OptionsFromConfig(cfg)
	invOpts.Metrics = metrics
	inv := fallback.New(fallbackProvider, invOpts)

	orchOpts := orchestrator.OptionsFromConfig(cfg)
	orchOpts.Metrics = metrics
	orch := orchestrator.New(st, lg, gate, inv, tracker, orchOpts)

	pipe := batch.New(st, lg, orch, batch.NewScheduler(batchProvider, cfg.Batch.Concurrency), tracker)

	zap.L().Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("fallback_provider", fallbackProvider.Name()),
		zap.String("batch_provider", batchProvider.Name()),
	)

	return &engineEnv{
		Store:   st,
		Ledger:  lg,
		Invoker: inv,
		Orch:    orch,
		Batch:   pipe,
		Search:  search.New(st, lg, search.ConfigFrom(cfg.Search)),
	}, nil
}

// initProvider builds the named provider. Without credentials it falls
// back to the fixture catalog so the engine still runs offline.
func initProvider(name string) extract.Provider {
	p, err := extract.New(name, cfg)
	if err == nil {
		return p
	}
	zap.L().Warn("provider not configured, serving fixtures instead",
		zap.String("provider", name),
		zap.Error(err),
	)
	fx, ferr := extract.LoadFixtures(cfg.Static.FixturesPath)
	if ferr != nil {
		zap.L().Warn("fixtures not loaded, static provider is empty", zap.Error(ferr))
		fx = nil
	}
	return extract.NewStaticProvider(fx)
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "planfinder.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}
