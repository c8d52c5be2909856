package search

import (
	"context"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

// Comparison bounds.
const (
	MinCompare = 2
	MaxCompare = 3
)

// Range is a closed numeric interval.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r *Range) add(v float64, first bool) {
	if first {
		r.Min, r.Max = v, v
		return
	}
	r.Min = min(r.Min, v)
	r.Max = max(r.Max, v)
}

// Comparison lays plans side by side with the spread of their costs.
type Comparison struct {
	Plans          []Result `json:"plans"`
	Premium        Range    `json:"premium_range"`
	Deductible     Range    `json:"deductible_range"`
	OutOfPocketMax Range    `json:"out_of_pocket_range"`

	// Cheapest is the plan with the lowest monthly premium; ties go to the
	// lower id.
	Cheapest string `json:"cheapest"`
}

// Compare returns the committed revisions of planIDs in request order.
// Between two and three distinct plans may be compared; unknown ids are
// model.ErrNotFound.
func (s *Service) Compare(ctx context.Context, planIDs []string) (*Comparison, error) {
	var ids []string
	for _, id := range planIDs {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) < MinCompare || len(ids) > MaxCompare {
		return nil, invalid("compare takes %d to %d plans, got %d", MinCompare, MaxCompare, len(ids))
	}

	snap, err := s.snapshot(ctx, store.PlanFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.PlanRecord, len(snap.plans))
	for i := range snap.plans {
		byID[snap.plans[i].ID] = &snap.plans[i]
	}

	out := &Comparison{Plans: make([]Result, 0, len(ids))}
	for i, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, eris.Wrapf(model.ErrNotFound, "search: compare plan %s", id)
		}
		out.Plans = append(out.Plans, Result{
			Plan:        p,
			CarrierName: snap.carriers[p.CarrierID].Name,
			Freshness:   snap.annotate(s.ledger, p),
		})
		out.Premium.add(p.MonthlyPremium, i == 0)
		out.Deductible.add(p.Deductible, i == 0)
		out.OutOfPocketMax.add(p.OutOfPocketMax, i == 0)

		if out.Cheapest == "" || p.MonthlyPremium < byID[out.Cheapest].MonthlyPremium ||
			(p.MonthlyPremium == byID[out.Cheapest].MonthlyPremium && id < out.Cheapest) {
			out.Cheapest = id
		}
	}
	return out, nil
}
