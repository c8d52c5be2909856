package extract

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/planfinder/internal/model"
)

// Fixture is a YAML plan catalog used for seeding and by StaticProvider.
type Fixture struct {
	Carriers []model.Carrier `yaml:"carriers"`
	Plans    []FixturePlan   `yaml:"plans"`
}

// FixturePlan is a plan entry with the confidence it is ingested at.
type FixturePlan struct {
	model.PlanRecord `yaml:",inline"`
	Confidence       float64 `yaml:"confidence"`
	Retired          bool    `yaml:"retired"`
}

// LoadFixtures reads a Fixture from path.
func LoadFixtures(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: read fixtures %s", path)
	}
	var fx Fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, eris.Wrapf(err, "extract: parse fixtures %s", path)
	}
	return &fx, nil
}

// Results converts the fixture to drafts keyed by plan id. Each draft
// carries its carrier so first ingestion can create it.
func (f *Fixture) Results() []Result {
	carriers := make(map[string]model.Carrier, len(f.Carriers))
	for _, c := range f.Carriers {
		carriers[c.ID] = c
	}
	out := make([]Result, 0, len(f.Plans))
	for _, fp := range f.Plans {
		p := fp.PlanRecord.Clone()
		p.IsActive = !fp.Retired
		if c, ok := carriers[p.CarrierID]; ok {
			p.Carrier = &c
		}
		conf := fp.Confidence
		if conf == 0 {
			conf = 1
		}
		out = append(out, Result{Draft: p, Confidence: conf})
	}
	return out
}

// StaticProvider serves drafts from memory. Tests use Fail and Delay to
// script provider behavior.
type StaticProvider struct {
	mu      sync.Mutex
	results map[string]Result
	errs    map[string]error
	delay   time.Duration
	calls   map[string]int
}

// NewStaticProvider creates a provider serving the fixture's plans. fx may
// be nil.
func NewStaticProvider(fx *Fixture) *StaticProvider {
	p := &StaticProvider{
		results: make(map[string]Result),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
	if fx != nil {
		for _, r := range fx.Results() {
			p.results[r.Draft.ID] = r
		}
	}
	return p
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return NameStatic }

// Set serves draft at confidence for its plan id and clears any failure.
func (p *StaticProvider) Set(draft *model.PlanRecord, confidence float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[draft.ID] = Result{Draft: draft.Clone(), Confidence: confidence}
	delete(p.errs, draft.ID)
}

// Fail makes extraction of planID return err.
func (p *StaticProvider) Fail(planID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[planID] = err
}

// Delay makes every extraction take at least d, or until ctx is done.
func (p *StaticProvider) Delay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many times planID was extracted.
func (p *StaticProvider) Calls(planID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[planID]
}

// Extract implements Provider.
func (p *StaticProvider) Extract(ctx context.Context, req Request) (*Result, error) {
	p.mu.Lock()
	p.calls[req.PlanID]++
	delay := p.delay
	res, ok := p.results[req.PlanID]
	err := p.errs[req.PlanID]
	p.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(model.ErrExtraction, "extract: static plan %s: %v", req.PlanID, ctx.Err())
		case <-t.C:
		}
	}
	if err != nil {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: static plan %s: %v", req.PlanID, err)
	}
	if !ok {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: static plan %s not in fixtures", req.PlanID)
	}
	return &Result{Draft: res.Draft.Clone(), Confidence: res.Confidence, CostUSD: res.CostUSD}, nil
}
