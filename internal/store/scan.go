package store

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/model"
)

// Column lists shared by the SQL stores. Scan helpers read them in order.
const (
	planColumns = `plan_id, revision, carrier_id, name, state, plan_type, metal_tier, coverage_type, ` +
		`monthly_premium, deductible, out_of_pocket_max, coinsurance, primary_care_copay, specialist_copay, ` +
		`dental_included, vision_included, mental_health_included, maternity_included, prescription_included, ` +
		`preventive_included, emergency_included, hsa_eligible, quality_rating, source_url, is_active, committed_at`

	metaColumns = `plan_id, last_verified_at, confidence, source, state, consecutive_failures, ` +
		`owner_job_id, refresh_started_at, next_eligible_at, last_backoff_ms, last_error, updated_at`

	jobColumns = `id, scope, source, plan_ids, status, scraped, updated, failed, conflicts, error, ` +
		`created_at, started_at, finished_at`

	checkColumns = `id, plan_id, job_id, source, passed, confidence, details, checked_at`

	carrierColumns = `id, name, state, rating`
)

type scannable interface {
	Scan(dest ...any) error
}

func planArgs(p *model.PlanRecord) []any {
	return []any{
		p.ID, p.Revision, p.CarrierID, p.Name, p.State, string(p.PlanType), string(p.MetalTier), string(p.CoverageType),
		p.MonthlyPremium, p.Deductible, p.OutOfPocketMax, p.Coinsurance, p.PrimaryCareCopay, p.SpecialistCopay,
		p.DentalIncluded, p.VisionIncluded, p.MentalHealthIncluded, p.MaternityIncluded, p.PrescriptionIncluded,
		p.PreventiveIncluded, p.EmergencyIncluded, p.HSAEligible, p.QualityRating, p.SourceURL, p.IsActive, p.CommittedAt,
	}
}

func scanPlan(row scannable) (*model.PlanRecord, error) {
	var p model.PlanRecord
	var planType, tier, coverage string
	err := row.Scan(
		&p.ID, &p.Revision, &p.CarrierID, &p.Name, &p.State, &planType, &tier, &coverage,
		&p.MonthlyPremium, &p.Deductible, &p.OutOfPocketMax, &p.Coinsurance, &p.PrimaryCareCopay, &p.SpecialistCopay,
		&p.DentalIncluded, &p.VisionIncluded, &p.MentalHealthIncluded, &p.MaternityIncluded, &p.PrescriptionIncluded,
		&p.PreventiveIncluded, &p.EmergencyIncluded, &p.HSAEligible, &p.QualityRating, &p.SourceURL, &p.IsActive, &p.CommittedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PlanType = model.PlanType(planType)
	p.MetalTier = model.MetalTier(tier)
	p.CoverageType = model.CoverageType(coverage)
	p.CommittedAt = p.CommittedAt.UTC()
	return &p, nil
}

func metaArgs(m *model.FreshnessMeta) []any {
	return []any{
		m.PlanID, m.LastVerifiedAt, m.Confidence, string(m.Source), string(m.State), m.ConsecutiveFailures,
		m.OwnerJobID, nullTime(m.RefreshStartedAt), nullTime(m.NextEligibleAt), m.LastBackoff.Milliseconds(),
		m.LastError, m.UpdatedAt,
	}
}

func scanMeta(row scannable) (*model.FreshnessMeta, error) {
	var m model.FreshnessMeta
	var source, state string
	var started, eligible *time.Time
	var backoffMs int64
	err := row.Scan(
		&m.PlanID, &m.LastVerifiedAt, &m.Confidence, &source, &state, &m.ConsecutiveFailures,
		&m.OwnerJobID, &started, &eligible, &backoffMs, &m.LastError, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Source = model.Source(source)
	m.State = model.FreshnessState(state)
	m.LastVerifiedAt = m.LastVerifiedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if started != nil {
		m.RefreshStartedAt = started.UTC()
	}
	if eligible != nil {
		m.NextEligibleAt = eligible.UTC()
	}
	m.LastBackoff = time.Duration(backoffMs) * time.Millisecond
	return &m, nil
}

func jobArgs(j *model.RefreshJob) ([]any, error) {
	ids, err := json.Marshal(j.PlanIDs)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal job plan ids")
	}
	return []any{
		j.ID, string(j.Scope), string(j.Source), string(ids), string(j.Status),
		j.Scraped, j.Updated, j.Failed, j.Conflicts, j.Error,
		j.CreatedAt, j.StartedAt, j.FinishedAt,
	}, nil
}

func scanJob(row scannable) (*model.RefreshJob, error) {
	var j model.RefreshJob
	var scope, source, status string
	var ids []byte
	err := row.Scan(
		&j.ID, &scope, &source, &ids, &status,
		&j.Scraped, &j.Updated, &j.Failed, &j.Conflicts, &j.Error,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Scope = model.JobScope(scope)
	j.Source = model.Source(source)
	j.Status = model.JobStatus(status)
	j.CreatedAt = j.CreatedAt.UTC()
	if len(ids) > 0 {
		if err := json.Unmarshal(ids, &j.PlanIDs); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal job plan ids")
		}
	}
	return &j, nil
}

func checkArgs(r *model.QualityCheckResult) ([]any, error) {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal check details")
	}
	return []any{r.ID, r.PlanID, r.JobID, string(r.Source), r.Passed, r.Confidence, string(details), r.CheckedAt}, nil
}

func scanCheck(row scannable) (*model.QualityCheckResult, error) {
	var r model.QualityCheckResult
	var source string
	var details []byte
	if err := row.Scan(&r.ID, &r.PlanID, &r.JobID, &source, &r.Passed, &r.Confidence, &details, &r.CheckedAt); err != nil {
		return nil, err
	}
	r.Source = model.Source(source)
	r.CheckedAt = r.CheckedAt.UTC()
	if len(details) > 0 {
		if err := json.Unmarshal(details, &r.Details); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal check details")
		}
	}
	return &r, nil
}

func scanCarrier(row scannable) (*model.Carrier, error) {
	var c model.Carrier
	if err := row.Scan(&c.ID, &c.Name, &c.State, &c.Rating); err != nil {
		return nil, err
	}
	return &c, nil
}

// ageRows flattens PremiumByAge into (plan_id, revision, age, premium) rows
// in ascending age order.
func ageRows(p *model.PlanRecord) [][]any {
	ages := make([]int, 0, len(p.PremiumByAge))
	for age := range p.PremiumByAge {
		ages = append(ages, age)
	}
	slices.Sort(ages)
	rows := make([][]any, 0, len(ages))
	for _, age := range ages {
		rows = append(rows, []any{p.ID, p.Revision, age, p.PremiumByAge[age]})
	}
	return rows
}

// benefitRows flattens Benefits into (plan_id, revision, position, description) rows.
func benefitRows(p *model.PlanRecord) [][]any {
	rows := make([][]any, 0, len(p.Benefits))
	for i, b := range p.Benefits {
		rows = append(rows, []any{p.ID, p.Revision, i, b})
	}
	return rows
}

// planKey identifies one revision when attaching child rows.
type planKey struct {
	id       string
	revision int
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
