package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/model"
)

// MemoryStore implements Store in process memory. A single mutex makes every
// operation, including Commit, atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	plans    map[string][]*model.PlanRecord // revisions, oldest first
	carriers map[string]model.Carrier
	meta     map[string]model.FreshnessMeta
	jobs     map[string]model.RefreshJob
	checks   []model.QualityCheckResult
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		plans:    make(map[string][]*model.PlanRecord),
		carriers: make(map[string]model.Carrier),
		meta:     make(map[string]model.FreshnessMeta),
		jobs:     make(map[string]model.RefreshJob),
	}
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) GetPlan(_ context.Context, planID string) (*model.PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := s.plans[planID]
	if len(revs) == 0 {
		return nil, notFound("plan", planID)
	}
	return revs[len(revs)-1].Clone(), nil
}

func (s *MemoryStore) GetPlanRevision(_ context.Context, planID string, revision int) (*model.PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.plans[planID] {
		if p.Revision == revision {
			return p.Clone(), nil
		}
	}
	return nil, eris.Wrapf(model.ErrNotFound, "store: plan %s revision %d", planID, revision)
}

func (s *MemoryStore) ListPlans(_ context.Context, filter PlanFilter) ([]model.PlanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.PlanRecord, 0, len(s.plans))
	for id, revs := range s.plans {
		if len(filter.IDs) > 0 && !slices.Contains(filter.IDs, id) {
			continue
		}
		p := revs[len(revs)-1]
		if filter.ActiveOnly && !p.IsActive {
			continue
		}
		if filter.State != "" && p.State != filter.State {
			continue
		}
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetCarrier(_ context.Context, carrierID string) (*model.Carrier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.carriers[carrierID]
	if !ok {
		return nil, notFound("carrier", carrierID)
	}
	return &c, nil
}

func (s *MemoryStore) ListCarriers(context.Context) ([]model.Carrier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Carrier, 0, len(s.carriers))
	for _, c := range s.carriers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetMeta(_ context.Context, planID string) (*model.FreshnessMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[planID]
	if !ok {
		return nil, notFound("freshness meta", planID)
	}
	return &m, nil
}

func (s *MemoryStore) ListMeta(context.Context) ([]model.FreshnessMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FreshnessMeta, 0, len(s.meta))
	for _, m := range s.meta {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlanID < out[j].PlanID })
	return out, nil
}

func (s *MemoryStore) CompareAndSwapState(_ context.Context, t Transition) (*model.FreshnessMeta, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[t.PlanID]
	if !ok {
		return nil, notFound("freshness meta", t.PlanID)
	}
	if !transitionAllowed(&m, t) {
		return nil, conflict("plan %s is %s (owner %q), expected %s", t.PlanID, m.State, m.OwnerJobID, t.From)
	}
	applyTransition(&m, t)
	s.meta[t.PlanID] = m
	return &m, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, f Failure) (*model.FreshnessMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.meta[f.PlanID]
	if !ok {
		return nil, notFound("freshness meta", f.PlanID)
	}
	if m.State != model.StateRefreshing || m.OwnerJobID != f.Owner {
		return nil, conflict("plan %s not owned by %s", f.PlanID, f.Owner)
	}
	m.State = model.StateFailed
	m.OwnerJobID = ""
	m.RefreshStartedAt = time.Time{}
	m.Confidence = f.Confidence
	m.ConsecutiveFailures = f.ConsecutiveFailures
	m.NextEligibleAt = f.NextEligibleAt
	m.LastBackoff = f.Backoff
	m.LastError = f.Error
	m.UpdatedAt = f.At
	s.meta[f.PlanID] = m
	return &m, nil
}

func (s *MemoryStore) Commit(_ context.Context, c Commit) (*model.PlanRecord, error) {
	if err := validateCommit(c); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := c.Plan.ID
	m, exists := s.meta[id]
	switch {
	case c.Owner == "" && exists:
		return nil, conflict("plan %s already ingested", id)
	case c.Owner != "" && !exists:
		return nil, notFound("freshness meta", id)
	case c.Owner != "" && (m.State != model.StateRefreshing || m.OwnerJobID != c.Owner):
		return nil, conflict("plan %s not owned by %s", id, c.Owner)
	}

	if _, ok := s.carriers[c.Plan.CarrierID]; !ok {
		if c.Carrier == nil || c.Carrier.ID != c.Plan.CarrierID {
			return nil, eris.Wrapf(model.ErrValidation, "store: carrier %s does not exist", c.Plan.CarrierID)
		}
		s.carriers[c.Carrier.ID] = *c.Carrier
	}

	rec := c.Plan.Clone()
	rec.Carrier = nil
	rec.Revision = len(s.plans[id]) + 1
	rec.CommittedAt = c.At
	s.plans[id] = append(s.plans[id], rec)
	s.meta[id] = freshMeta(id, c)
	if c.Check != nil {
		s.checks = append(s.checks, *c.Check)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) CreateJob(_ context.Context, job *model.RefreshJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return conflict("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *model.RefreshJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return notFound("job", job.ID)
	}
	s.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID string) (*model.RefreshJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, notFound("job", jobID)
	}
	j = cloneJob(j)
	return &j, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, limit int) ([]model.RefreshJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.RefreshJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendQualityCheck(_ context.Context, r *model.QualityCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	c.Details = slices.Clone(r.Details)
	s.checks = append(s.checks, c)
	return nil
}

func (s *MemoryStore) ListQualityChecks(_ context.Context, planID string) ([]model.QualityCheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.QualityCheckResult
	for _, c := range s.checks {
		if planID == "" || c.PlanID == planID {
			c.Details = slices.Clone(c.Details)
			out = append(out, c)
		}
	}
	return out, nil
}

func cloneJob(j model.RefreshJob) model.RefreshJob {
	j.PlanIDs = slices.Clone(j.PlanIDs)
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		j.FinishedAt = &t
	}
	return j
}
