// Package quality validates extracted plan drafts before they replace a
// committed revision. Every evaluation is appended to the audit trail; only
// passing drafts reach the store, and they do so in one atomic commit.
package quality

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/store"
)

// DefaultConfidenceFloor is the lowest provider confidence accepted.
const DefaultConfidenceFloor = 0.3

// premiumRange is the typical monthly premium band per metal tier.
type premiumRange struct{ min, max float64 }

var tierPremiumRanges = map[model.MetalTier]premiumRange{
	model.TierBronze:   {200, 600},
	model.TierSilver:   {300, 800},
	model.TierGold:     {500, 1200},
	model.TierPlatinum: {700, 1500},
}

// Submission is a draft offered to the gate.
type Submission struct {
	Draft      *model.PlanRecord
	Confidence float64
	Source     model.Source
	// Owner is the job holding the plan in refreshing. Empty means first
	// ingestion of an unknown plan.
	Owner string
	JobID string
}

// Gate runs the checks and performs the commit.
type Gate struct {
	store store.Store
	floor float64
	now   func() time.Time
}

// NewGate creates a Gate. A floor outside [0,1] uses DefaultConfidenceFloor.
func NewGate(st store.Store, confidenceFloor float64) *Gate {
	if confidenceFloor < 0 || confidenceFloor > 1 {
		confidenceFloor = DefaultConfidenceFloor
	}
	return &Gate{store: st, floor: confidenceFloor, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns g using now as its clock.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Check evaluates a draft without touching the store. carrierKnown reports
// whether the referenced carrier exists or is supplied with the draft.
func (g *Gate) Check(p *model.PlanRecord, confidence float64, carrierKnown bool) []model.CheckDetail {
	var d details

	if p == nil {
		d.fail("required", "plan", "draft is empty")
		return d
	}
	for _, f := range [][2]string{
		{"id", p.ID}, {"name", p.Name}, {"carrier_id", p.CarrierID}, {"state", p.State},
	} {
		if strings.TrimSpace(f[1]) == "" {
			d.fail("required", f[0], "must not be empty")
		}
	}
	if p.State != "" && !model.ValidStateCode(p.State) {
		d.fail("state_code", "state", fmt.Sprintf("%q is not a two-letter state code", p.State))
	}
	if _, ok := model.ParsePlanType(string(p.PlanType)); !ok {
		d.fail("plan_type", "plan_type", fmt.Sprintf("unknown plan type %q", p.PlanType))
	}
	if !p.MetalTier.Valid() {
		d.fail("metal_tier", "metal_tier", fmt.Sprintf("unknown metal tier %q", p.MetalTier))
	}
	if p.CoverageType != "" && !p.CoverageType.Valid() {
		d.fail("coverage_type", "coverage_type", fmt.Sprintf("unknown coverage type %q", p.CoverageType))
	}
	if p.MonthlyPremium <= 0 {
		d.fail("premium_positive", "monthly_premium", fmt.Sprintf("premium %.2f must be greater than zero", p.MonthlyPremium))
	}
	if p.Deductible < 0 {
		d.fail("deductible_non_negative", "deductible", fmt.Sprintf("deductible %.2f must not be negative", p.Deductible))
	}
	if p.Coinsurance < 0 || p.Coinsurance > 100 {
		d.fail("coinsurance_range", "coinsurance", fmt.Sprintf("coinsurance %.1f must be within [0,100]", p.Coinsurance))
	}
	if p.OutOfPocketMax > 0 && p.OutOfPocketMax < p.Deductible {
		d.fail("out_of_pocket_max", "out_of_pocket_max",
			fmt.Sprintf("out-of-pocket max %.2f is below deductible %.2f", p.OutOfPocketMax, p.Deductible))
	}
	if p.QualityRating < 0 || p.QualityRating > 5 {
		d.fail("quality_rating_range", "quality_rating", fmt.Sprintf("rating %.1f must be within [0,5]", p.QualityRating))
	}
	for age, premium := range p.PremiumByAge {
		if age < 0 || premium <= 0 {
			d.fail("premium_by_age", "premium_by_age", fmt.Sprintf("age %d premium %.2f is invalid", age, premium))
			break
		}
	}
	if confidence < g.floor {
		d.fail("confidence_floor", "confidence", fmt.Sprintf("confidence %.2f is below floor %.2f", confidence, g.floor))
	}
	if p.CarrierID != "" && !carrierKnown {
		d.fail("carrier_exists", "carrier_id", fmt.Sprintf("carrier %s does not exist", p.CarrierID))
	}

	if r, ok := tierPremiumRanges[p.MetalTier]; ok && p.MonthlyPremium > 0 {
		if p.MonthlyPremium < r.min || p.MonthlyPremium > r.max {
			d.warn("premium_tier_range", "monthly_premium",
				fmt.Sprintf("premium %.2f is outside the typical %s range %.0f-%.0f", p.MonthlyPremium, p.MetalTier, r.min, r.max))
		}
	}
	if p.SpecialistCopay > 0 && p.PrimaryCareCopay > p.SpecialistCopay {
		d.warn("copay_order", "primary_care_copay",
			fmt.Sprintf("primary care copay %.2f exceeds specialist copay %.2f", p.PrimaryCareCopay, p.SpecialistCopay))
	}
	return d
}

// Apply checks sub.Draft and, when it passes, commits it as the plan's next
// revision together with a passing audit row. A rejected draft leaves the
// store untouched apart from a failing audit row and returns
// model.ErrValidation.
func (g *Gate) Apply(ctx context.Context, sub Submission) (*model.PlanRecord, error) {
	if sub.Draft == nil {
		return nil, eris.Wrap(model.ErrValidation, "quality: empty draft")
	}
	now := g.now()

	carrierKnown, err := g.carrierKnown(ctx, sub.Draft)
	if err != nil {
		return nil, err
	}
	findings := g.Check(sub.Draft, sub.Confidence, carrierKnown)
	result := &model.QualityCheckResult{
		ID:         uuid.New().String(),
		PlanID:     sub.Draft.ID,
		JobID:      sub.JobID,
		Source:     sub.Source,
		Passed:     !hasErrors(findings),
		Confidence: sub.Confidence,
		Details:    findings,
		CheckedAt:  now,
	}

	if !result.Passed {
		if err := g.store.AppendQualityCheck(ctx, result); err != nil {
			return nil, eris.Wrapf(err, "quality: record rejection of %s", sub.Draft.ID)
		}
		zap.L().Warn("quality: draft rejected",
			zap.String("plan_id", sub.Draft.ID),
			zap.String("job_id", sub.JobID),
			zap.String("source", string(sub.Source)),
			zap.Int("errors", len(result.Errors())),
		)
		return nil, eris.Wrapf(model.ErrValidation, "quality: plan %s rejected: %s", sub.Draft.ID, summarize(result.Errors()))
	}

	draft := sub.Draft.Clone()
	if draft.CoverageType == "" {
		draft.CoverageType = model.CoverageIndividual
	}
	if pt, ok := model.ParsePlanType(string(draft.PlanType)); ok {
		draft.PlanType = pt
	}
	rec, err := g.store.Commit(ctx, store.Commit{
		Plan:       draft,
		Carrier:    draft.Carrier,
		Source:     sub.Source,
		Confidence: clamp01(sub.Confidence),
		Owner:      sub.Owner,
		Check:      result,
		At:         now,
	})
	if err != nil {
		return nil, err
	}
	if n := len(findings); n > 0 {
		zap.L().Info("quality: draft committed with warnings",
			zap.String("plan_id", rec.ID), zap.Int("revision", rec.Revision), zap.Int("warnings", n))
	}
	return rec, nil
}

func (g *Gate) carrierKnown(ctx context.Context, p *model.PlanRecord) (bool, error) {
	if p.CarrierID == "" {
		return false, nil
	}
	if p.Carrier != nil && p.Carrier.ID == p.CarrierID {
		return true, nil
	}
	_, err := g.store.GetCarrier(ctx, p.CarrierID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, model.ErrNotFound):
		return false, nil
	default:
		return false, eris.Wrapf(err, "quality: look up carrier %s", p.CarrierID)
	}
}

type details []model.CheckDetail

func (d *details) fail(check, field, msg string) {
	*d = append(*d, model.CheckDetail{Check: check, Field: field, Severity: model.SeverityError, Message: msg})
}

func (d *details) warn(check, field, msg string) {
	*d = append(*d, model.CheckDetail{Check: check, Field: field, Severity: model.SeverityWarning, Message: msg})
}

func hasErrors(ds []model.CheckDetail) bool {
	for _, d := range ds {
		if d.Severity == model.SeverityError {
			return true
		}
	}
	return false
}

func summarize(ds []model.CheckDetail) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		parts = append(parts, d.Check)
	}
	return strings.Join(parts, ", ")
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
