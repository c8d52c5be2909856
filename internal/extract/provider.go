// Package extract adapts the plan data sources to a single Provider
// interface. The Marketplace API is the cheap path used by batch refreshes;
// the deep provider scrapes the plan page and asks a model to read it, and
// is the expensive path used on demand.
package extract

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/config"
	"github.com/sells-group/planfinder/internal/cost"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/resilience"
	"github.com/sells-group/planfinder/pkg/anthropic"
	"github.com/sells-group/planfinder/pkg/firecrawl"
	"github.com/sells-group/planfinder/pkg/jina"
	"github.com/sells-group/planfinder/pkg/marketplace"
)

// Provider names.
const (
	NameMarketplace = "marketplace"
	NameDeep        = "deep"
	NameStatic      = "static"
)

// Request identifies the plan to extract. Previous is the last committed
// revision, if any; providers use it for the source URL and to carry over
// fields the source does not publish.
type Request struct {
	PlanID   string
	Previous *model.PlanRecord
}

// Result is a draft plan with the provider's confidence in it.
type Result struct {
	Draft      *model.PlanRecord
	Confidence float64
	// CostUSD is the marginal spend of producing the draft.
	CostUSD float64
}

// Provider extracts a fresh draft of one plan. Implementations must honor
// ctx cancellation and deadline.
type Provider interface {
	Name() string
	Extract(ctx context.Context, req Request) (*Result, error)
}

// BatchItem is one plan's outcome from a batch extraction.
type BatchItem struct {
	PlanID string
	Result *Result
	Err    error
}

// BatchExtractor is implemented by providers that extract many plans more
// cheaply together than one by one. deliver is called once per request, in
// no particular order.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, reqs []Request, deliver func(BatchItem)) error
}

// New builds the named provider from configuration.
func New(name string, cfg *config.Config) (Provider, error) {
	switch name {
	case NameMarketplace:
		if cfg.Marketplace.Key == "" {
			return nil, eris.New("extract: marketplace.key is required")
		}
		client := marketplace.NewClient(cfg.Marketplace.Key,
			marketplace.WithBaseURL(cfg.Marketplace.BaseURL),
			marketplace.WithYear(cfg.Marketplace.Year),
			marketplace.WithRateLimit(cfg.Marketplace.RatePerSec),
		)
		p := NewMarketplaceProvider(client, resilience.RetryFromAttempts(cfg.Marketplace.MaxAttempts))
		if cfg.Marketplace.TimeoutSecs > 0 {
			p.timeout = time.Duration(cfg.Marketplace.TimeoutSecs) * time.Second
		}
		return p, nil
	case NameDeep:
		if cfg.Firecrawl.Key == "" || cfg.Anthropic.Key == "" {
			return nil, eris.New("extract: firecrawl.key and anthropic.key are required for the deep provider")
		}
		opts := DeepOptions{
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			Pricing:   cost.NewCalculator(cost.RatesFromConfig(cfg.Pricing)),
			Poll: firecrawl.PollConfig{
				Interval: time.Duration(cfg.Firecrawl.PollIntervalSecs) * time.Second,
				Timeout:  time.Duration(cfg.Firecrawl.PollTimeoutSecs) * time.Second,
			},
		}
		if cfg.Jina.Enabled || cfg.Jina.Key != "" {
			opts.Reader = jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))
		}
		return NewDeepProvider(
			firecrawl.NewClient(cfg.Firecrawl.Key,
				firecrawl.WithBaseURL(cfg.Firecrawl.BaseURL),
				firecrawl.WithRateLimit(cfg.Firecrawl.RatePerMinute),
			),
			anthropic.NewClient(cfg.Anthropic.Key, anthropic.Options{
				BaseURL:    cfg.Anthropic.BaseURL,
				MaxRetries: cfg.Anthropic.MaxRetries,
			}),
			opts,
		), nil
	case NameStatic:
		fx, err := LoadFixtures(cfg.Static.FixturesPath)
		if err != nil {
			return nil, err
		}
		return NewStaticProvider(fx), nil
	default:
		return nil, eris.Errorf("extract: unknown provider %q", name)
	}
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
