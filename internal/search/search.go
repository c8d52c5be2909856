// Package search filters and ranks committed plan revisions. It never reads
// drafts: a plan being refreshed is ranked on its last committed revision
// and carries the ledger's view of how fresh that revision is.
package search

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/config"
	"github.com/sells-group/planfinder/internal/ledger"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

// Weights are the score component weights.
type Weights struct {
	Keyword float64
	Carrier float64
	Quality float64
	Price   float64
}

// Config tunes search. Zero values fall back to the defaults.
type Config struct {
	DefaultLimit          int
	MaxLimit              int
	LowCostMaxPremium     float64
	HighDeductibleMinimum float64
	Weights               Weights
}

// DefaultConfig returns the built-in search settings.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:          20,
		MaxLimit:              100,
		LowCostMaxPremium:     500,
		HighDeductibleMinimum: 3000,
		Weights:               Weights{Keyword: 0.4, Carrier: 0.2, Quality: 0.2, Price: 0.2},
	}
}

// ConfigFrom maps the search config section.
func ConfigFrom(cfg config.SearchConfig) Config {
	return Config{
		DefaultLimit:          cfg.DefaultLimit,
		MaxLimit:              cfg.MaxLimit,
		LowCostMaxPremium:     cfg.LowCostMaxPremium,
		HighDeductibleMinimum: cfg.HighDeductibleMinimum,
		Weights: Weights{
			Keyword: cfg.Weights.Keyword,
			Carrier: cfg.Weights.Carrier,
			Quality: cfg.Weights.Quality,
			Price:   cfg.Weights.Price,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	c.DefaultLimit = min(c.DefaultLimit, c.MaxLimit)
	if c.LowCostMaxPremium <= 0 {
		c.LowCostMaxPremium = d.LowCostMaxPremium
	}
	if c.HighDeductibleMinimum <= 0 {
		c.HighDeductibleMinimum = d.HighDeductibleMinimum
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	return c
}

// Result is one ranked plan.
type Result struct {
	Plan        *model.PlanRecord `json:"plan"`
	CarrierName string            `json:"carrier_name,omitempty"`
	Score       float64           `json:"score"`
	Matched     []string          `json:"matched_terms,omitempty"`
	Freshness   model.Annotation  `json:"freshness"`
}

// Results is one page of ranked plans. Total counts every match before
// paging.
type Results struct {
	Plans  []Result `json:"plans"`
	Total  int      `json:"total"`
	Terms  []string `json:"terms,omitempty"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// Service answers searches over the committed store.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	cfg    Config
}

// New creates a Service.
func New(st store.Store, lg *ledger.Ledger, cfg Config) *Service {
	return &Service{store: st, ledger: lg, cfg: cfg.withDefaults()}
}

// Search returns active plans matching q, best first. Ties on score are
// broken by plan id, so equal inputs yield equal orderings.
func (s *Service) Search(ctx context.Context, q Query) (*Results, error) {
	if q.Limit < 0 || q.Offset < 0 {
		return nil, invalid("limit %d and offset %d must not be negative", q.Limit, q.Offset)
	}
	crit, err := q.Filters.normalize()
	if err != nil {
		return nil, err
	}
	terms := interpret(q.Text, &crit, s.cfg)

	limit := q.Limit
	if limit == 0 {
		limit = s.cfg.DefaultLimit
	}
	limit = min(limit, s.cfg.MaxLimit)

	snap, err := s.snapshot(ctx, store.PlanFilter{State: crit.state, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	matches := make([]*model.PlanRecord, 0, len(snap.plans))
	maxPremium := 0.0
	for i := range snap.plans {
		p := &snap.plans[i]
		if !crit.match(p) {
			continue
		}
		matches = append(matches, p)
		maxPremium = max(maxPremium, p.MonthlyPremium)
	}

	ranked := make([]Result, 0, len(matches))
	for _, p := range matches {
		carrier := snap.carriers[p.CarrierID]
		matched := matchTerms(terms, p, carrier.Name)
		ranked = append(ranked, Result{
			Plan:        p,
			CarrierName: carrier.Name,
			Score:       s.score(p, carrier, len(matched), len(terms), maxPremium),
			Matched:     matched,
			Freshness:   snap.annotate(s.ledger, p),
		})
	}
	slices.SortFunc(ranked, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Plan.ID, b.Plan.ID)
	})

	out := &Results{Total: len(ranked), Terms: terms, Limit: limit, Offset: q.Offset}
	if q.Offset < len(ranked) {
		out.Plans = ranked[q.Offset:min(q.Offset+limit, len(ranked))]
	}
	if out.Plans == nil {
		out.Plans = []Result{}
	}

	zap.L().Debug("search: query answered",
		zap.String("query", q.Text),
		zap.Strings("terms", terms),
		zap.Int("total", out.Total),
		zap.Int("returned", len(out.Plans)),
	)
	return out, nil
}

// score combines keyword relevance, carrier rating, quality rating and
// relative cheapness among the matches. Ratings are on a 0..5 scale.
func (s *Service) score(p *model.PlanRecord, carrier model.Carrier, matched, terms int, maxPremium float64) float64 {
	w := s.cfg.Weights
	var score float64
	if terms > 0 {
		score += w.Keyword * float64(matched) / float64(terms)
	}
	score += w.Carrier * clamp(carrier.Rating/5)
	score += w.Quality * clamp(p.QualityRating/5)
	if maxPremium > 0 {
		score += w.Price * clamp(1-p.MonthlyPremium/maxPremium)
	}
	return score
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}

// matchTerms returns the terms found in the plan's searchable text.
func matchTerms(terms []string, p *model.PlanRecord, carrierName string) []string {
	if len(terms) == 0 {
		return nil
	}
	parts := []string{p.Name, carrierName, string(p.PlanType), string(p.MetalTier)}
	parts = append(parts, p.Benefits...)
	haystack := fold(strings.Join(parts, " "))

	var matched []string
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			matched = append(matched, t)
		}
	}
	return matched
}

// snapshot is a consistent-enough view of plans, carriers and ledger rows
// for one query. Each plan is annotated from the ledger row read here.
type snapshot struct {
	plans    []model.PlanRecord
	carriers map[string]model.Carrier
	metas    map[string]model.FreshnessMeta
}

func (s *Service) snapshot(ctx context.Context, filter store.PlanFilter) (*snapshot, error) {
	plans, err := s.store.ListPlans(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "search: list plans")
	}
	carriers, err := s.store.ListCarriers(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "search: list carriers")
	}
	metas, err := s.ledger.List(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "search: list ledger")
	}

	snap := &snapshot{
		plans:    plans,
		carriers: make(map[string]model.Carrier, len(carriers)),
		metas:    make(map[string]model.FreshnessMeta, len(metas)),
	}
	for _, c := range carriers {
		snap.carriers[c.ID] = c
	}
	for _, m := range metas {
		snap.metas[m.PlanID] = m
	}
	return snap, nil
}

func (snap *snapshot) annotate(lg *ledger.Ledger, p *model.PlanRecord) model.Annotation {
	m, ok := snap.metas[p.ID]
	if !ok {
		return model.Annotation{Revision: p.Revision}
	}
	a := lg.Annotate(&m, p.Revision)
	a.Degraded = a.State != model.StateFresh
	return a
}
