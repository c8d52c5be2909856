package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planfinder/internal/config"
	"github.com/sells-group/planfinder/internal/model"
)

func TestChecker_Check(t *testing.T) {
	f := newFixture()
	seed(t, f)

	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	cfg.LookbackWindowHours = 24
	cfg.SweepStale = true
	checker := NewChecker(NewCollector(f.ledger, f.store, nil), NewAlerter(cfg), f.ledger, cfg)

	alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []AlertType{AlertExhaustedPlans, AlertAbandonedRefresh}, alertTypes(alerts))
	assert.Equal(t, int32(len(alerts)), received.Load())

	meta, err := f.ledger.Get(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, model.StateStale, meta.State, "the sweep demotes aged plans")
}

func TestChecker_Check_NoSweep(t *testing.T) {
	f := newFixture()
	seed(t, f)

	cfg := thresholds()
	cfg.LookbackWindowHours = 24
	checker := NewChecker(NewCollector(f.ledger, f.store, nil), NewAlerter(cfg), f.ledger, cfg)
	_, err := checker.Check(context.Background())
	require.NoError(t, err)

	meta, err := f.ledger.Get(context.Background(), "P2")
	require.NoError(t, err)
	assert.Equal(t, model.StateFresh, meta.State)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	f := newFixture()
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(f.ledger, f.store, nil), NewAlerter(cfg), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	f := newFixture()
	checker := NewChecker(NewCollector(f.ledger, f.store, nil), NewAlerter(config.MonitoringConfig{}), nil, config.MonitoringConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}
