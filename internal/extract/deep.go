package extract

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/cost"
	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/pkg/anthropic"
	"github.com/sells-group/planfinder/pkg/firecrawl"
	"github.com/sells-group/planfinder/pkg/jina"
)

// maxPageChars bounds the page text sent to the model.
const maxPageChars = 60000

const deepSystemPrompt = `You read health insurance plan pages and report the plan's current terms.
Respond with a single JSON object and nothing else, using these keys:
  name (string), plan_type (HMO|PPO|EPO|POS|HDHP),
  metal_tier (catastrophic|bronze|silver|gold|platinum),
  coverage_type (individual|family),
  monthly_premium, deductible, out_of_pocket_max (USD numbers),
  coinsurance (percent 0-100), primary_care_copay, specialist_copay (USD numbers),
  hsa_eligible (boolean), quality_rating (0-5),
  benefits_included (array of: dental, vision, mental_health, maternity,
    prescription, preventive, emergency),
  premium_by_age (object of age -> monthly premium),
  confidence (0-1, how certain you are the values are current and correct).
Use null for any value the page does not state. Never guess a premium.`

// DeepOptions configures the deep provider.
type DeepOptions struct {
	Model     string
	MaxTokens int64
	Pricing   *cost.Calculator
	// Reader is the secondary page source. Nil disables the fallback.
	Reader jina.Client
	// Poll spaces batch status checks in ExtractBatch.
	Poll firecrawl.PollConfig
}

// DeepProvider scrapes a plan's source page with Firecrawl, or Jina when
// Firecrawl fails, and extracts the plan terms with Anthropic.
type DeepProvider struct {
	scraper firecrawl.Client
	ai      anthropic.Client
	opts    DeepOptions
}

// NewDeepProvider creates a DeepProvider.
func NewDeepProvider(scraper firecrawl.Client, ai anthropic.Client, opts DeepOptions) *DeepProvider {
	if opts.Model == "" {
		opts.Model = "claude-haiku-4-5-20251001"
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 2048
	}
	if opts.Pricing == nil {
		opts.Pricing = cost.NewCalculator(cost.DefaultRates())
	}
	return &DeepProvider{scraper: scraper, ai: ai, opts: opts}
}

// Name implements Provider.
func (p *DeepProvider) Name() string { return NameDeep }

// Extract implements Provider. When Firecrawl cannot produce the page and a
// Reader is configured, the page is read through Jina instead.
func (p *DeepProvider) Extract(ctx context.Context, req Request) (*Result, error) {
	url := sourceURL(req)
	if url == "" {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: plan %s has no source url", req.PlanID)
	}

	text, spend, err := p.fetch(ctx, req, url)
	if err != nil {
		return nil, err
	}
	res, err := p.read(ctx, req, text)
	if err != nil {
		return nil, err
	}
	res.CostUSD += spend
	return res, nil
}

// fetch returns the page text and the scrape spend.
func (p *DeepProvider) fetch(ctx context.Context, req Request, url string) (string, float64, error) {
	scrapeReq := firecrawl.ScrapeRequest{URL: url, OnlyMainContent: true}
	if dl, ok := ctx.Deadline(); ok {
		scrapeReq.TimeoutMs = int(time.Until(dl).Milliseconds())
	}
	page, err := p.scraper.Scrape(ctx, scrapeReq)
	if err == nil {
		var text string
		if text, err = pageText(req, page.Data); err == nil {
			return text, p.opts.Pricing.Firecrawl(1), nil
		}
	}
	if p.opts.Reader == nil {
		return "", 0, eris.Wrapf(model.ErrExtraction, "extract: scrape plan %s: %v", req.PlanID, err)
	}

	zap.L().Debug("extract: firecrawl failed, reading with jina",
		zap.String("plan_id", req.PlanID), zap.Error(err))
	rd, rerr := p.opts.Reader.Read(ctx, url)
	if rerr != nil {
		return "", 0, eris.Wrapf(model.ErrExtraction, "extract: plan %s: firecrawl: %v; jina: %v", req.PlanID, err, rerr)
	}
	text := strings.TrimSpace(rd.Data.Content)
	if text == "" {
		return "", 0, eris.Wrapf(model.ErrExtraction, "extract: plan %s page is empty", req.PlanID)
	}
	return text, 0, nil
}

// pageText returns a scraped page's markdown, rejecting error pages.
func pageText(req Request, page firecrawl.PageData) (string, error) {
	if code := page.Metadata.StatusCode; code >= 400 {
		return "", eris.Wrapf(model.ErrExtraction, "extract: plan %s page returned HTTP %d", req.PlanID, code)
	}
	text := strings.TrimSpace(page.Markdown)
	if text == "" {
		return "", eris.Wrapf(model.ErrExtraction, "extract: plan %s page is empty", req.PlanID)
	}
	return text, nil
}

// ExtractBatch implements BatchExtractor with one Firecrawl batch scrape and
// a model call per page.
func (p *DeepProvider) ExtractBatch(ctx context.Context, reqs []Request, deliver func(BatchItem)) error {
	byURL := make(map[string]Request, len(reqs))
	urls := make([]string, 0, len(reqs))
	for _, r := range reqs {
		u := sourceURL(r)
		if u == "" {
			deliver(BatchItem{PlanID: r.PlanID, Err: eris.Wrapf(model.ErrExtraction, "extract: plan %s has no source url", r.PlanID)})
			continue
		}
		if _, dup := byURL[u]; !dup {
			urls = append(urls, u)
		}
		byURL[u] = r
	}
	if len(urls) == 0 {
		return nil
	}

	started, err := p.scraper.BatchScrape(ctx, firecrawl.BatchScrapeRequest{URLs: urls, OnlyMainContent: true})
	if err != nil {
		return eris.Wrap(err, "extract: start batch scrape")
	}
	status, err := firecrawl.PollBatchScrape(ctx, p.scraper, started.ID, p.opts.Poll)
	if err != nil {
		return eris.Wrap(err, "extract: poll batch scrape")
	}

	perPage := 0.0
	if n := len(status.Data); n > 0 {
		perPage = p.opts.Pricing.Firecrawl(status.CreditsUsed) / float64(n)
	}
	for _, page := range status.Data {
		r, ok := byURL[page.Metadata.SourceURL]
		if !ok {
			continue
		}
		delete(byURL, page.Metadata.SourceURL)
		text, err := pageText(r, page)
		if err != nil {
			deliver(BatchItem{PlanID: r.PlanID, Err: err})
			continue
		}
		res, err := p.read(ctx, r, text)
		if res != nil {
			res.CostUSD += perPage
		}
		deliver(BatchItem{PlanID: r.PlanID, Result: res, Err: err})
	}
	for u, r := range byURL {
		deliver(BatchItem{PlanID: r.PlanID, Err: eris.Wrapf(model.ErrExtraction, "extract: %s missing from batch scrape", u)})
	}
	return nil
}

func (p *DeepProvider) read(ctx context.Context, req Request, text string) (*Result, error) {
	if len(text) > maxPageChars {
		text = text[:maxPageChars]
	}

	temp := 0.0
	resp, err := p.ai.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       p.opts.Model,
		MaxTokens:   p.opts.MaxTokens,
		System:      anthropic.CachedSystem(deepSystemPrompt),
		Messages:    anthropic.UserPrompt(userPrompt(req, text)),
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: read plan %s: %v", req.PlanID, err)
	}
	resp.Usage.Log(p.opts.Model, req.PlanID)
	spend := p.opts.Pricing.Claude(p.opts.Model, resp.Usage.BilledInput(), resp.Usage.OutputTokens)
	if resp.Truncated() {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: plan %s answer cut off at %d tokens", req.PlanID, p.opts.MaxTokens)
	}

	raw, err := anthropic.ExtractJSON(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: plan %s: %v", req.PlanID, err)
	}
	var out deepDraft
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: decode plan %s: %v", req.PlanID, err)
	}
	if out.MonthlyPremium == nil {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: plan %s page states no premium", req.PlanID)
	}

	draft := out.apply(req)
	zap.L().Debug("extract: deep extraction complete",
		zap.String("plan_id", req.PlanID),
		zap.Float64("confidence", out.Confidence),
		zap.Float64("cost_usd", spend),
	)
	return &Result{Draft: draft, Confidence: clamp01(out.Confidence), CostUSD: spend}, nil
}

func sourceURL(req Request) string {
	if req.Previous == nil {
		return ""
	}
	return req.Previous.SourceURL
}

func userPrompt(req Request, page string) string {
	var b strings.Builder
	b.WriteString("Plan id: ")
	b.WriteString(req.PlanID)
	if prev := req.Previous; prev != nil {
		b.WriteString("\nLast known name: ")
		b.WriteString(prev.Name)
		b.WriteString("\nLast known metal tier: ")
		b.WriteString(string(prev.MetalTier))
	}
	b.WriteString("\n\nPage content:\n")
	b.WriteString(page)
	return b.String()
}

// deepDraft is the model's JSON answer. Pointers distinguish "not stated"
// from zero.
type deepDraft struct {
	Name             *string            `json:"name"`
	PlanType         *string            `json:"plan_type"`
	MetalTier        *string            `json:"metal_tier"`
	CoverageType     *string            `json:"coverage_type"`
	MonthlyPremium   *float64           `json:"monthly_premium"`
	Deductible       *float64           `json:"deductible"`
	OutOfPocketMax   *float64           `json:"out_of_pocket_max"`
	Coinsurance      *float64           `json:"coinsurance"`
	PrimaryCareCopay *float64           `json:"primary_care_copay"`
	SpecialistCopay  *float64           `json:"specialist_copay"`
	HSAEligible      *bool              `json:"hsa_eligible"`
	QualityRating    *float64           `json:"quality_rating"`
	BenefitsIncluded []string           `json:"benefits_included"`
	PremiumByAge     map[string]float64 `json:"premium_by_age"`
	Confidence       float64            `json:"confidence"`
}

// apply overlays the stated values on the previous revision. Identity
// fields (id, carrier, state) always come from the request.
func (d deepDraft) apply(req Request) *model.PlanRecord {
	rec := &model.PlanRecord{ID: req.PlanID, IsActive: true}
	if req.Previous != nil {
		rec = req.Previous.Clone()
		rec.Revision = 0
		rec.Carrier = nil
	}
	if d.Name != nil {
		rec.Name = strings.TrimSpace(*d.Name)
	}
	if d.PlanType != nil {
		rec.PlanType = model.PlanType(strings.ToUpper(strings.TrimSpace(*d.PlanType)))
	}
	if d.MetalTier != nil {
		rec.MetalTier = model.MetalTier(strings.ToLower(strings.TrimSpace(*d.MetalTier)))
	}
	if d.CoverageType != nil {
		rec.CoverageType = model.CoverageType(strings.ToLower(strings.TrimSpace(*d.CoverageType)))
	}
	setFloat(&rec.MonthlyPremium, d.MonthlyPremium)
	setFloat(&rec.Deductible, d.Deductible)
	setFloat(&rec.OutOfPocketMax, d.OutOfPocketMax)
	setFloat(&rec.Coinsurance, d.Coinsurance)
	setFloat(&rec.PrimaryCareCopay, d.PrimaryCareCopay)
	setFloat(&rec.SpecialistCopay, d.SpecialistCopay)
	setFloat(&rec.QualityRating, d.QualityRating)
	if d.HSAEligible != nil {
		rec.HSAEligible = *d.HSAEligible
	}
	if d.BenefitsIncluded != nil {
		rec.DentalIncluded, rec.VisionIncluded, rec.MentalHealthIncluded = false, false, false
		rec.MaternityIncluded, rec.PrescriptionIncluded = false, false
		rec.PreventiveIncluded, rec.EmergencyIncluded = false, false
		for _, s := range d.BenefitsIncluded {
			if b, ok := model.ParseBenefit(s); ok {
				setBenefit(rec, b)
			}
		}
	}
	if len(d.PremiumByAge) > 0 {
		rec.PremiumByAge = make(map[int]float64, len(d.PremiumByAge))
		for k, v := range d.PremiumByAge {
			if age, err := strconv.Atoi(k); err == nil {
				rec.PremiumByAge[age] = v
			}
		}
	}
	return rec
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}
