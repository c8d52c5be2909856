package search

import (
	"context"
	"math"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/model"
)

// Scenario is a level of expected healthcare use over a year.
type Scenario string

const (
	ScenarioLow      Scenario = "low"
	ScenarioModerate Scenario = "moderate"
	ScenarioHigh     Scenario = "high"
)

// usage is the expected annual copay and coinsurance spend of a scenario.
type usage struct {
	copays      float64
	coinsurance float64
}

var scenarios = map[Scenario]usage{
	ScenarioLow:      {copays: 200, coinsurance: 500},
	ScenarioModerate: {copays: 800, coinsurance: 2000},
	ScenarioHigh:     {copays: 1500, coinsurance: 5000},
}

// ParseScenario normalizes s. Empty means moderate.
func ParseScenario(s string) (Scenario, error) {
	sc := Scenario(strings.ToLower(strings.TrimSpace(s)))
	if sc == "" {
		return ScenarioModerate, nil
	}
	if _, ok := scenarios[sc]; !ok {
		return "", invalid("unknown usage scenario %q", s)
	}
	return sc, nil
}

// CostEstimate is a plan's expected annual cost under one scenario.
type CostEstimate struct {
	PlanID               string   `json:"plan_id"`
	PlanName             string   `json:"plan_name"`
	Scenario             Scenario `json:"scenario"`
	Age                  int      `json:"age,omitempty"`
	MonthlyPremium       float64  `json:"monthly_premium"`
	AnnualPremium        float64  `json:"annual_premium"`
	Deductible           float64  `json:"deductible"`
	EstimatedCopays      float64  `json:"estimated_copays"`
	EstimatedCoinsurance float64  `json:"estimated_coinsurance"`

	// OutOfPocket is deductible plus copays plus coinsurance, capped at
	// the plan's out-of-pocket maximum when it has one.
	OutOfPocket      float64 `json:"out_of_pocket"`
	OutOfPocketCap   bool    `json:"out_of_pocket_capped"`
	TotalAnnualCost  float64 `json:"total_annual_cost"`
	CostPerMonth     float64 `json:"cost_per_month"`
	PotentialSavings float64 `json:"potential_savings"`
}

// EstimateAnnualCost prices a year on planID's committed revision. A
// positive age selects the age-rated premium at or below it.
func (s *Service) EstimateAnnualCost(ctx context.Context, planID string, scenario Scenario, age int) (*CostEstimate, error) {
	u, ok := scenarios[scenario]
	if !ok {
		return nil, invalid("unknown usage scenario %q", scenario)
	}
	if age < 0 {
		return nil, invalid("age %d is negative", age)
	}
	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, eris.Wrapf(err, "search: estimate %s", planID)
	}
	return estimate(p, scenario, u, age), nil
}

func estimate(p *model.PlanRecord, scenario Scenario, u usage, age int) *CostEstimate {
	monthly := premiumAt(p, age)
	e := &CostEstimate{
		PlanID:               p.ID,
		PlanName:             p.Name,
		Scenario:             scenario,
		Age:                  age,
		MonthlyPremium:       monthly,
		AnnualPremium:        round2(monthly * 12),
		Deductible:           p.Deductible,
		EstimatedCopays:      u.copays,
		EstimatedCoinsurance: u.coinsurance,
	}
	e.OutOfPocket = p.Deductible + u.copays + u.coinsurance
	if p.OutOfPocketMax > 0 && e.OutOfPocket > p.OutOfPocketMax {
		e.OutOfPocket = p.OutOfPocketMax
		e.OutOfPocketCap = true
	}
	e.TotalAnnualCost = round2(e.AnnualPremium + e.OutOfPocket)
	e.CostPerMonth = round2(e.TotalAnnualCost / 12)
	e.PotentialSavings = round2(max(0, p.Deductible-u.copays-u.coinsurance))
	return e
}

// premiumAt returns the age-rated premium for the highest rated age not
// above age, or the base premium when none applies.
func premiumAt(p *model.PlanRecord, age int) float64 {
	if age <= 0 || len(p.PremiumByAge) == 0 {
		return p.MonthlyPremium
	}
	ages := make([]int, 0, len(p.PremiumByAge))
	for a := range p.PremiumByAge {
		ages = append(ages, a)
	}
	slices.Sort(ages)
	best := -1
	for _, a := range ages {
		if a > age {
			break
		}
		best = a
	}
	if best < 0 {
		return p.MonthlyPremium
	}
	return p.PremiumByAge[best]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
