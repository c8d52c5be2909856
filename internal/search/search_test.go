package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	acme   = &model.Carrier{ID: "acme", Name: "Acme Health", Rating: 4}
	shield = &model.Carrier{ID: "shield", Name: "Blue Shield", Rating: 3}
)

type fixture struct {
	store  *store.MemoryStore
	ledger *ledger.Ledger
	clock  *clock
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	clk := &clock{now: t0}
	lg := ledger.New(st, ledger.Options{Now: clk.Now})
	return &fixture{store: st, ledger: lg, clock: clk, svc: New(st, lg, Config{})}
}

func (f *fixture) commit(t *testing.T, p *model.PlanRecord, carrier *model.Carrier, confidence float64) {
	t.Helper()
	p.CarrierID = carrier.ID
	_, err := f.store.Commit(context.Background(), store.Commit{
		Plan:       p,
		Carrier:    carrier,
		Source:     model.SourceSeed,
		Confidence: confidence,
		At:         f.clock.Now(),
	})
	require.NoError(t, err)
}

func plan(id string, premium float64) *model.PlanRecord {
	return &model.PlanRecord{
		ID:             id,
		Name:           "Acme Silver " + id,
		State:          "TX",
		PlanType:       model.PlanPPO,
		MetalTier:      model.TierSilver,
		CoverageType:   model.CoverageIndividual,
		MonthlyPremium: premium,
		Deductible:     6000,
		OutOfPocketMax: 9000,
		Coinsurance:    20,
		QualityRating:  4,
		IsActive:       true,
	}
}

func ptr[T any](v T) *T { return &v }

func ids(res *Results) []string {
	out := make([]string, 0, len(res.Plans))
	for _, r := range res.Plans {
		out = append(out, r.Plan.ID)
	}
	return out
}

func TestSearch_BenefitAndPremiumFilter(t *testing.T) {
	f := newFixture(t)
	p1 := plan("P1", 450)
	p1.DentalIncluded = true
	f.commit(t, p1, acme, 0.95)
	f.commit(t, plan("P2", 490), acme, 0.95)
	f.clock.Advance(time.Hour)

	res, err := f.svc.Search(context.Background(), Query{
		Filters: Filters{Benefits: []string{"dental"}, MaxPremium: ptr(500.0)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids(res))
	assert.Equal(t, 1, res.Total)

	got := res.Plans[0].Freshness
	assert.Equal(t, model.StateFresh, got.State)
	assert.InDelta(t, 0.95, got.Confidence, 1e-9)
	assert.InDelta(t, time.Hour.Seconds(), got.AgeSeconds, 1e-9)
	assert.False(t, got.Degraded)
}

func TestSearch_LexiconTermBecomesFilter(t *testing.T) {
	f := newFixture(t)
	p1 := plan("P1", 450)
	p1.DentalIncluded = true
	f.commit(t, p1, acme, 0.95)
	f.commit(t, plan("P2", 490), acme, 0.95)

	res, err := f.svc.Search(context.Background(), Query{Text: "affordable DENTAL plans"})
	require.NoError(t, err)
	assert.Equal(t, []string{"P1"}, ids(res))
	assert.Empty(t, res.Terms)
}

func TestSearch_OrdersByScoreThenID(t *testing.T) {
	f := newFixture(t)
	f.commit(t, plan("C", 300), acme, 1)
	f.commit(t, plan("B", 600), acme, 1)
	f.commit(t, plan("A", 300), acme, 1)

	res, err := f.svc.Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C", "B"}, ids(res))
	// carrier 0.2*4/5 + quality 0.2*4/5 + price 0.2*(1-300/600)
	assert.InDelta(t, 0.42, res.Plans[0].Score, 1e-9)
	assert.InDelta(t, 0.32, res.Plans[2].Score, 1e-9)
}

func TestSearch_Deterministic(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"E", "D", "C", "B", "A"} {
		f.commit(t, plan(id, 400), acme, 1)
	}
	q := Query{Text: "silver ppo"}
	first, err := f.svc.Search(context.Background(), q)
	require.NoError(t, err)
	for range 10 {
		again, err := f.svc.Search(context.Background(), q)
		require.NoError(t, err)
		assert.Equal(t, ids(first), ids(again))
	}
	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, ids(first))
}

func TestSearch_KeywordRelevance(t *testing.T) {
	f := newFixture(t)
	blue := plan("B1", 400)
	blue.Name = "Shield Gold Saver"
	blue.MetalTier = model.TierGold
	f.commit(t, blue, shield, 1)
	other := plan("A1", 400)
	other.Name = "Acme Gold Saver"
	other.MetalTier = model.TierGold
	f.commit(t, other, acme, 1)

	res, err := f.svc.Search(context.Background(), Query{Text: "blue gold"})
	require.NoError(t, err)
	require.Len(t, res.Plans, 2)
	assert.Equal(t, []string{"blue", "gold"}, res.Terms)
	assert.Equal(t, "B1", res.Plans[0].Plan.ID)
	assert.Equal(t, []string{"blue", "gold"}, res.Plans[0].Matched)
	assert.Equal(t, []string{"gold"}, res.Plans[1].Matched)
}

func TestSearch_FoldsDiacritics(t *testing.T) {
	f := newFixture(t)
	p := plan("M1", 400)
	p.Name = "Salud Médica Plus"
	f.commit(t, p, acme, 1)

	for _, q := range []string{"medica", "MÉDICA", "Médica"} {
		res, err := f.svc.Search(context.Background(), Query{Text: q})
		require.NoError(t, err)
		require.Len(t, res.Plans, 1, q)
		assert.Equal(t, []string{"medica"}, res.Plans[0].Matched, q)
	}
}

func TestSearch_Filters(t *testing.T) {
	f := newFixture(t)
	hdhp := plan("H", 250)
	hdhp.PlanType = model.PlanHDHP
	hdhp.MetalTier = model.TierBronze
	hdhp.Deductible = 7000
	hdhp.HSAEligible = true
	f.commit(t, hdhp, acme, 1)

	fam := plan("F", 900)
	fam.CoverageType = model.CoverageFamily
	fam.Deductible = 1500
	fam.State = "CA"
	f.commit(t, fam, acme, 1)

	retired := plan("R", 100)
	retired.IsActive = false
	f.commit(t, retired, acme, 1)

	f.commit(t, plan("S", 400), acme, 1)

	tests := []struct {
		name string
		q    Query
		want []string
	}{
		{"no filters skips inactive", Query{}, []string{"H", "S", "F"}},
		{"state is case insensitive", Query{Filters: Filters{State: "ca"}}, []string{"F"}},
		{"metal tier", Query{Filters: Filters{MetalTier: "Bronze"}}, []string{"H"}},
		{"plan type", Query{Filters: Filters{PlanType: "ppo"}}, []string{"S", "F"}},
		{"coverage type", Query{Filters: Filters{CoverageType: "family"}}, []string{"F"}},
		{"hsa eligible", Query{Filters: Filters{HSAEligible: ptr(true)}}, []string{"H"}},
		{"min deductible", Query{Filters: Filters{MinDeductible: ptr(6000.0)}}, []string{"H", "S"}},
		{"family text", Query{Text: "family coverage"}, []string{"F"}},
		{"hdhp text", Query{Text: "hdhp"}, []string{"H", "S"}},
		{"explicit premium beats lexicon", Query{Text: "cheap", Filters: Filters{MaxPremium: ptr(300.0)}}, []string{"H"}},
		{"no match is not an error", Query{Filters: Filters{State: "NY"}}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Search(context.Background(), tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res))
			assert.NotNil(t, res.Plans)
		})
	}
}

func TestSearch_InvalidInput(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		q    Query
	}{
		{"negative premium", Query{Filters: Filters{MaxPremium: ptr(-1.0)}}},
		{"negative deductible", Query{Filters: Filters{MinDeductible: ptr(-1.0)}}},
		{"unknown tier", Query{Filters: Filters{MetalTier: "tin"}}},
		{"unknown plan type", Query{Filters: Filters{PlanType: "XYZ"}}},
		{"unknown coverage", Query{Filters: Filters{CoverageType: "couple"}}},
		{"unknown benefit", Query{Filters: Filters{Benefits: []string{"spa"}}}},
		{"malformed state", Query{Filters: Filters{State: "Texas"}}},
		{"negative limit", Query{Limit: -1}},
		{"negative offset", Query{Offset: -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Search(context.Background(), tt.q)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrInvalidFilter), err.Error())
		})
	}
}

func TestSearch_Paging(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"A", "B", "C"} {
		f.commit(t, plan(id, 400), acme, 1)
	}

	res, err := f.svc.Search(context.Background(), Query{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(res))
	assert.Equal(t, 3, res.Total)

	res, err = f.svc.Search(context.Background(), Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, res.Plans)
	assert.Equal(t, 3, res.Total)

	svc := New(f.store, f.ledger, Config{DefaultLimit: 2, MaxLimit: 2})
	res, err = svc.Search(context.Background(), Query{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, res.Plans, 2)
	assert.Equal(t, 2, res.Limit)
}

func TestSearch_AnnotatesLedgerState(t *testing.T) {
	f := newFixture(t)
	f.commit(t, plan("R", 400), acme, 0.9)
	f.commit(t, plan("O", 400), acme, 0.9)
	ctx := context.Background()

	m, err := f.ledger.Get(ctx, "R")
	require.NoError(t, err)
	_, err = f.ledger.Claim(ctx, m, "job-1")
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	res, err := f.svc.Search(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, res.Plans, 2)

	byID := map[string]Result{}
	for _, r := range res.Plans {
		byID[r.Plan.ID] = r
	}
	assert.Equal(t, model.StateRefreshing, byID["R"].Freshness.State)
	assert.Equal(t, 1, byID["R"].Plan.Revision, "mid-refresh plans rank on their committed revision")
	assert.True(t, byID["R"].Freshness.Degraded)
	assert.Equal(t, model.StateStale, byID["O"].Freshness.State)
	assert.True(t, byID["O"].Freshness.Degraded)
}

func TestInterpret(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		text     string
		benefits []model.Benefit
		premium  *float64
		minDed   *float64
		coverage model.CoverageType
		terms    []string
	}{
		{text: "mental health", benefits: []model.Benefit{model.BenefitMentalHealth}},
		{text: "therapy and mental", benefits: []model.Benefit{model.BenefitMentalHealth}},
		{text: "low cost family plan", premium: ptr(500.0), coverage: model.CoverageFamily},
		{text: "prenatal checkup", benefits: []model.Benefit{model.BenefitMaternity, model.BenefitPreventive}},
		{text: "high deductible HSA", minDed: ptr(3000.0)},
		{text: "drugs urgent", benefits: []model.Benefit{model.BenefitPrescription, model.BenefitEmergency}},
		{text: "Kaiser, gold!", terms: []string{"kaiser", "gold"}},
		{text: "low premium", terms: []string{"low", "premium"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			var c criteria
			terms := interpret(tt.text, &c, cfg)
			assert.ElementsMatch(t, tt.benefits, c.benefits)
			assert.Equal(t, tt.premium, c.maxPremium)
			assert.Equal(t, tt.minDed, c.minDeductible)
			assert.Equal(t, tt.coverage, c.coverageType)
			assert.Equal(t, tt.terms, terms)
		})
	}
}

func TestFold(t *testing.T) {
	assert.Equal(t, "medica", fold("MÉDICA"))
	assert.Equal(t, "sao paulo", fold("São Paulo"))
	assert.Equal(t, []string{"blue", "cross", "ppo"}, tokenize("Blue-Cross (PPO)"))
}
