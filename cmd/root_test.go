package main

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planfinder/internal/extract"
	"github.com/sells-group/planfinder/internal/fallback"
	"github.com/sells-group/planfinder/internal/jobs"
	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/orchestrator"
	"github.com/sells-group/planfinder/internal/quality"
	"github.com/sells-group/planfinder/internal/store"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "get", "search", "compare", "cost", "refresh", "batch", "report", "seed", "migrate", "sweep", "check"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "planfinder", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestReportCommand_Flags(t *testing.T) {
	flag := reportCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "table", flag.DefValue)
	assert.NotNil(t, reportCmd.Flags().Lookup("out"))
}

func TestBatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"all", "stale", "limit"} {
		assert.NotNil(t, batchCmd.Flags().Lookup(name), "batch should have --%s flag", name)
	}
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
	assert.Equal(t, 8080, resolvePort(0, 8080))
	assert.Equal(t, 0, resolvePort(0, 0))
}

func TestSearchQuery(t *testing.T) {
	cmd := &cobra.Command{}
	addSearchFlags(cmd.Flags())
	require.NoError(t, cmd.ParseFlags([]string{
		"--state", "TX",
		"--benefit", "dental",
		"--benefit", "vision",
		"--max-premium", "500",
		"--hsa=false",
		"--limit", "5",
	}))

	q, err := searchQuery(cmd, []string{"low", "cost"})
	require.NoError(t, err)
	assert.Equal(t, "low cost", q.Text)
	assert.Equal(t, "TX", q.Filters.State)
	assert.Equal(t, []string{"dental", "vision"}, q.Filters.Benefits)
	require.NotNil(t, q.Filters.MaxPremium)
	assert.Equal(t, 500.0, *q.Filters.MaxPremium)
	require.NotNil(t, q.Filters.HSAEligible)
	assert.False(t, *q.Filters.HSAEligible)
	assert.Nil(t, q.Filters.MinDeductible, "unset flags leave the filter open")
	assert.Equal(t, 5, q.Limit)
}

func newTestOrchestrator(t *testing.T, st store.Store, lg *ledger.Ledger) *orchestrator.Orchestrator {
	t.Helper()
	orch := orchestrator.New(st, lg, quality.NewGate(st, quality.DefaultConfidenceFloor),
		fallback.New(extract.NewStaticProvider(nil), fallback.Options{}),
		jobs.NewTracker(st, nil), orchestrator.Options{})
	t.Cleanup(orch.Wait)
	return orch
}

func TestSeedPlans(t *testing.T) {
	fx, err := extract.LoadFixtures("../fixtures.yaml")
	require.NoError(t, err)

	st := store.NewMemory()
	orch := newTestOrchestrator(t, st, ledger.New(st, ledger.Options{}))

	stats, err := seedPlans(context.Background(), orch, fx)
	require.NoError(t, err)
	assert.Equal(t, len(fx.Plans), stats.Ingested+stats.Rejected)
	assert.Positive(t, stats.Ingested)
	assert.Zero(t, stats.Skipped)

	again, err := seedPlans(context.Background(), orch, fx)
	require.NoError(t, err)
	assert.Equal(t, stats.Ingested, again.Skipped, "existing plans are skipped")
	assert.Zero(t, again.Ingested)
}

func TestDueForRefresh(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	lg := ledger.New(st, ledger.Options{Now: func() time.Time { return now }, MaxConsecutiveFailures: 3})

	metas := []model.FreshnessMeta{
		{PlanID: "fresh", State: model.StateFresh, LastVerifiedAt: now.Add(-time.Hour)},
		{PlanID: "aged", State: model.StateFresh, LastVerifiedAt: now.Add(-48 * time.Hour)},
		{PlanID: "stale", State: model.StateStale, LastVerifiedAt: now.Add(-30 * time.Hour)},
		{PlanID: "backoff", State: model.StateFailed, ConsecutiveFailures: 1, NextEligibleAt: now.Add(time.Minute)},
		{PlanID: "retry", State: model.StateFailed, ConsecutiveFailures: 1, NextEligibleAt: now.Add(-time.Minute)},
		{PlanID: "exhausted", State: model.StateFailed, ConsecutiveFailures: 3},
		{PlanID: "busy", State: model.StateRefreshing, OwnerJobID: "j1", RefreshStartedAt: now},
	}
	assert.Equal(t, []string{"aged", "stale", "retry"}, dueForRefresh(lg, metas))
}
