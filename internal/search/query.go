package search

import (
	"slices"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/planfinder/internal/model"
)

// Query is a free-text search with optional filters.
type Query struct {
	Text    string  `json:"query"`
	Filters Filters `json:"filters"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Filters are a conjunction of optional constraints. Nil and empty values
// match everything.
type Filters struct {
	MaxPremium    *float64 `json:"max_premium,omitempty"`
	State         string   `json:"state,omitempty"`
	Benefits      []string `json:"benefits,omitempty"`
	MetalTier     string   `json:"metal_tier,omitempty"`
	PlanType      string   `json:"plan_type,omitempty"`
	CoverageType  string   `json:"coverage_type,omitempty"`
	MinDeductible *float64 `json:"min_deductible,omitempty"`
	HSAEligible   *bool    `json:"hsa_eligible,omitempty"`
}

// criteria is a validated, normalized Filters.
type criteria struct {
	maxPremium    *float64
	state         string
	benefits      []model.Benefit
	metalTier     model.MetalTier
	planType      model.PlanType
	coverageType  model.CoverageType
	minDeductible *float64
	hsaEligible   *bool
}

func invalid(format string, args ...any) error {
	return eris.Wrapf(model.ErrInvalidFilter, "search: "+format, args...)
}

// normalize validates f. Errors wrap model.ErrInvalidFilter.
func (f Filters) normalize() (criteria, error) {
	var c criteria
	if f.MaxPremium != nil {
		if *f.MaxPremium < 0 {
			return c, invalid("max_premium %.2f is negative", *f.MaxPremium)
		}
		v := *f.MaxPremium
		c.maxPremium = &v
	}
	if f.MinDeductible != nil {
		if *f.MinDeductible < 0 {
			return c, invalid("min_deductible %.2f is negative", *f.MinDeductible)
		}
		v := *f.MinDeductible
		c.minDeductible = &v
	}
	if s := strings.ToUpper(strings.TrimSpace(f.State)); s != "" {
		if !model.ValidStateCode(s) {
			return c, invalid("state %q is not a two-letter code", f.State)
		}
		c.state = s
	}
	for _, name := range f.Benefits {
		b, ok := model.ParseBenefit(name)
		if !ok {
			return c, invalid("unknown benefit %q", name)
		}
		if !slices.Contains(c.benefits, b) {
			c.benefits = append(c.benefits, b)
		}
	}
	if t := strings.ToLower(strings.TrimSpace(f.MetalTier)); t != "" {
		c.metalTier = model.MetalTier(t)
		if !c.metalTier.Valid() {
			return c, invalid("unknown metal tier %q", f.MetalTier)
		}
	}
	if t := strings.TrimSpace(f.PlanType); t != "" {
		pt, ok := model.ParsePlanType(t)
		if !ok {
			return c, invalid("unknown plan type %q", f.PlanType)
		}
		c.planType = pt
	}
	if t := strings.ToLower(strings.TrimSpace(f.CoverageType)); t != "" {
		c.coverageType = model.CoverageType(t)
		if !c.coverageType.Valid() {
			return c, invalid("unknown coverage type %q", f.CoverageType)
		}
	}
	if f.HSAEligible != nil {
		v := *f.HSAEligible
		c.hsaEligible = &v
	}
	return c, nil
}

// match reports whether p satisfies every criterion.
func (c criteria) match(p *model.PlanRecord) bool {
	switch {
	case c.maxPremium != nil && p.MonthlyPremium > *c.maxPremium,
		c.minDeductible != nil && p.Deductible < *c.minDeductible,
		c.state != "" && p.State != c.state,
		c.metalTier != "" && p.MetalTier != c.metalTier,
		c.planType != "" && p.PlanType != c.planType,
		c.coverageType != "" && p.CoverageType != c.coverageType,
		c.hsaEligible != nil && p.HSAEligible != *c.hsaEligible:
		return false
	}
	for _, b := range c.benefits {
		if !p.HasBenefit(b) {
			return false
		}
	}
	return true
}

// lexiconEntry maps a folded phrase to the filter it implies.
type lexiconEntry struct {
	phrase string
	apply  func(c *criteria, d Config)
}

func benefit(b model.Benefit) func(*criteria, Config) {
	return func(c *criteria, _ Config) {
		if !slices.Contains(c.benefits, b) {
			c.benefits = append(c.benefits, b)
		}
	}
}

func lowCost(c *criteria, d Config) {
	if c.maxPremium == nil {
		v := d.LowCostMaxPremium
		c.maxPremium = &v
	}
}

func family(c *criteria, _ Config) {
	if c.coverageType == "" {
		c.coverageType = model.CoverageFamily
	}
}

func highDeductible(c *criteria, d Config) {
	if c.minDeductible == nil {
		v := d.HighDeductibleMinimum
		c.minDeductible = &v
	}
}

// lexicon is matched longest phrase first.
var lexicon = []lexiconEntry{
	{"mental health", benefit(model.BenefitMentalHealth)},
	{"high deductible", highDeductible},
	{"low cost", lowCost},
	{"dental", benefit(model.BenefitDental)},
	{"vision", benefit(model.BenefitVision)},
	{"mental", benefit(model.BenefitMentalHealth)},
	{"therapy", benefit(model.BenefitMentalHealth)},
	{"maternity", benefit(model.BenefitMaternity)},
	{"pregnancy", benefit(model.BenefitMaternity)},
	{"prenatal", benefit(model.BenefitMaternity)},
	{"prescription", benefit(model.BenefitPrescription)},
	{"drugs", benefit(model.BenefitPrescription)},
	{"medication", benefit(model.BenefitPrescription)},
	{"preventive", benefit(model.BenefitPreventive)},
	{"checkup", benefit(model.BenefitPreventive)},
	{"emergency", benefit(model.BenefitEmergency)},
	{"urgent", benefit(model.BenefitEmergency)},
	{"cheap", lowCost},
	{"affordable", lowCost},
	{"budget", lowCost},
	{"family", family},
	{"hdhp", highDeductible},
	{"hsa", highDeductible},
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "for": true, "with": true,
	"in": true, "of": true, "my": true, "plan": true, "plans": true,
	"insurance": true, "coverage": true, "care": true,
}

// interpret applies lexicon phrases found in text to c and returns the
// remaining keyword terms, folded and in order of appearance.
func interpret(text string, c *criteria, d Config) []string {
	words := tokenize(text)
	used := make([]bool, len(words))

	for _, e := range lexicon {
		phrase := strings.Fields(e.phrase)
		for i := 0; i+len(phrase) <= len(words); i++ {
			if slices.Equal(words[i:i+len(phrase)], phrase) && !slices.Contains(used[i:i+len(phrase)], true) {
				e.apply(c, d)
				for j := range phrase {
					used[i+j] = true
				}
			}
		}
	}

	var terms []string
	for i, w := range words {
		if used[i] || stopwords[w] || slices.Contains(terms, w) {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}

// fold lowercases s and strips diacritics.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// tokenize folds s and splits it into words of letters and digits.
func tokenize(s string) []string {
	return strings.FieldsFunc(fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
