package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planfinder/internal/model"
)

func TestCompare(t *testing.T) {
	f := newFixture(t)
	a := plan("A", 300)
	a.Deductible = 2000
	f.commit(t, a, acme, 1)
	b := plan("B", 600)
	b.OutOfPocketMax = 5000
	f.commit(t, b, shield, 1)
	f.commit(t, plan("C", 300), acme, 1)

	cmp, err := f.svc.Compare(context.Background(), []string{"B", "C", "A", "B"})
	require.NoError(t, err)
	require.Len(t, cmp.Plans, 3)
	assert.Equal(t, "B", cmp.Plans[0].Plan.ID, "request order is kept")
	assert.Equal(t, "Blue Shield", cmp.Plans[0].CarrierName)
	assert.Equal(t, Range{Min: 300, Max: 600}, cmp.Premium)
	assert.Equal(t, Range{Min: 2000, Max: 6000}, cmp.Deductible)
	assert.Equal(t, Range{Min: 5000, Max: 9000}, cmp.OutOfPocketMax)
	assert.Equal(t, "A", cmp.Cheapest)
	assert.Equal(t, model.StateFresh, cmp.Plans[0].Freshness.State)
}

func TestCompare_Errors(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"A", "B", "C", "D"} {
		f.commit(t, plan(id, 400), acme, 1)
	}

	_, err := f.svc.Compare(context.Background(), []string{"A", "A"})
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))

	_, err = f.svc.Compare(context.Background(), []string{"A", "B", "C", "D"})
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))

	_, err = f.svc.Compare(context.Background(), []string{"A", "GHOST"})
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestEstimateAnnualCost(t *testing.T) {
	f := newFixture(t)
	p := plan("A", 300)
	p.PremiumByAge = map[int]float64{21: 250, 40: 350}
	f.commit(t, p, acme, 1)

	tests := []struct {
		name     string
		scenario Scenario
		age      int
		monthly  float64
		oop      float64
		capped   bool
		total    float64
		savings  float64
	}{
		{"low", ScenarioLow, 0, 300, 6700, false, 10300, 5300},
		{"moderate", ScenarioModerate, 0, 300, 8800, false, 12400, 3200},
		{"high hits out of pocket max", ScenarioHigh, 0, 300, 9000, true, 12600, 0},
		{"age rated", ScenarioModerate, 30, 250, 8800, false, 11800, 3200},
		{"older bracket", ScenarioModerate, 64, 350, 8800, false, 13000, 3200},
		{"below youngest bracket", ScenarioModerate, 18, 300, 8800, false, 12400, 3200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := f.svc.EstimateAnnualCost(context.Background(), "A", tt.scenario, tt.age)
			require.NoError(t, err)
			assert.Equal(t, tt.monthly, est.MonthlyPremium)
			assert.Equal(t, tt.monthly*12, est.AnnualPremium)
			assert.Equal(t, tt.oop, est.OutOfPocket)
			assert.Equal(t, tt.capped, est.OutOfPocketCap)
			assert.Equal(t, tt.total, est.TotalAnnualCost)
			assert.InDelta(t, tt.total/12, est.CostPerMonth, 0.005)
			assert.Equal(t, tt.savings, est.PotentialSavings)
		})
	}
}

func TestEstimateAnnualCost_Errors(t *testing.T) {
	f := newFixture(t)
	f.commit(t, plan("A", 300), acme, 1)

	_, err := f.svc.EstimateAnnualCost(context.Background(), "GHOST", ScenarioLow, 0)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	_, err = f.svc.EstimateAnnualCost(context.Background(), "A", Scenario("extreme"), 0)
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))

	_, err = f.svc.EstimateAnnualCost(context.Background(), "A", ScenarioLow, -1)
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))
}

func TestParseScenario(t *testing.T) {
	sc, err := ParseScenario("")
	require.NoError(t, err)
	assert.Equal(t, ScenarioModerate, sc)

	sc, err = ParseScenario(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, ScenarioHigh, sc)

	_, err = ParseScenario("extreme")
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))
}
