package cost

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/planfinder/internal/config"
)

func testRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"haiku":  {Input: 1.00, Output: 5.00},
			"sonnet": {Input: 3.00, Output: 15.00},
		},
		Firecrawl: FirecrawlRate{PlanMonthly: 19.0, CreditsIncluded: 3000},
	}
}

func TestClaude(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name   string
		model  string
		input  int64
		output int64
		want   float64
	}{
		{name: "haiku simple", model: "haiku", input: 1000000, output: 100000, want: 1.00 + 0.50},
		{name: "sonnet", model: "sonnet", input: 1000000, output: 100000, want: 3.00 + 1.50},
		{name: "typical plan extraction", model: "haiku", input: 6000, output: 800, want: 0.006 + 0.004},
		{name: "unknown model returns 0", model: "unknown", input: 1000000, output: 1000000, want: 0},
		{name: "zero tokens returns 0", model: "haiku", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Claude(tt.model, tt.input, tt.output)
			assert.InDelta(t, tt.want, got, 0.0001)
		})
	}
}

func TestFirecrawl(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())
	assert.InDelta(t, 19.0/3000, calc.Firecrawl(1), 1e-9)
	assert.InDelta(t, 0, calc.Firecrawl(0), 1e-9)

	zero := NewCalculator(Rates{})
	assert.Equal(t, 0.0, zero.Firecrawl(10))
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	rates := DefaultRates()

	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Contains(t, rates.Anthropic, "claude-sonnet-4-5-20250929")
	assert.InDelta(t, 3000, rates.Firecrawl.CreditsIncluded, 0.001)
}

func TestRatesFromConfig(t *testing.T) {
	t.Parallel()
	rates := RatesFromConfig(config.PricingConfig{
		Anthropic: map[string]config.ModelPricing{"custom": {Input: 2, Output: 8}},
		Firecrawl: config.FirecrawlPricing{PlanMonthly: 83},
	})

	assert.Equal(t, ModelRate{Input: 2, Output: 8}, rates.Anthropic["custom"])
	assert.Contains(t, rates.Anthropic, "claude-haiku-4-5-20251001")
	assert.Equal(t, 83.0, rates.Firecrawl.PlanMonthly)
	assert.Equal(t, 3000.0, rates.Firecrawl.CreditsIncluded)
}

func TestBudget(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	b := NewBudget(1.0)
	b.now = func() time.Time { return now }

	assert.True(t, b.Allow())
	b.Add(0.6)
	assert.True(t, b.Allow())
	b.Add(0.5)
	assert.False(t, b.Allow())
	assert.InDelta(t, 1.1, b.Spent(), 1e-9)

	now = now.Add(2 * time.Hour)
	assert.True(t, b.Allow(), "spend resets at the UTC day boundary")
	assert.Equal(t, 0.0, b.Spent())
}

func TestBudget_Unlimited(t *testing.T) {
	t.Parallel()
	b := NewBudget(0)
	b.Add(1e6)
	assert.True(t, b.Allow())

	var nilBudget *Budget
	assert.True(t, nilBudget.Allow())
	nilBudget.Add(5)
	assert.Equal(t, 0.0, nilBudget.Spent())
}
