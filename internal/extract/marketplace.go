package extract

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/resilience"
	"github.com/sells-group/planfinder/pkg/marketplace"
)

// MarketplaceProvider reads plans from the Healthcare.gov Marketplace API.
type MarketplaceProvider struct {
	client  marketplace.Client
	retry   resilience.RetryConfig
	timeout time.Duration
}

// NewMarketplaceProvider wraps client; transient HTTP failures are retried
// according to retry.
func NewMarketplaceProvider(client marketplace.Client, retry resilience.RetryConfig) *MarketplaceProvider {
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("marketplace", "get_plan")
	}
	return &MarketplaceProvider{client: client, retry: retry, timeout: 15 * time.Second}
}

// Name implements Provider.
func (p *MarketplaceProvider) Name() string { return NameMarketplace }

// Extract implements Provider.
func (p *MarketplaceProvider) Extract(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	plan, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (*marketplace.Plan, error) {
		plan, err := p.client.GetPlan(ctx, req.PlanID)
		var apiErr *marketplace.APIError
		if errors.As(err, &apiErr) {
			return nil, resilience.ClassifyHTTP(err, apiErr.StatusCode)
		}
		return plan, err
	})
	if err != nil {
		return nil, eris.Wrapf(model.ErrExtraction, "extract: marketplace plan %s: %v", req.PlanID, err)
	}

	draft, confidence := fromMarketplace(plan, req.Previous)
	return &Result{Draft: draft, Confidence: confidence}, nil
}

// fromMarketplace maps a Marketplace plan onto a draft. Confidence is the
// share of core fields the API populated.
func fromMarketplace(mp *marketplace.Plan, prev *model.PlanRecord) (*model.PlanRecord, float64) {
	d := &model.PlanRecord{}
	if prev != nil {
		d = prev.Clone()
		d.Revision = 0
		d.Carrier = nil
	}

	d.ID = mp.ID
	d.Name = strings.TrimSpace(mp.Name)
	d.IsActive = true
	if mp.Issuer.ID != "" {
		d.CarrierID = mp.Issuer.ID
		d.Carrier = &model.Carrier{
			ID:     mp.Issuer.ID,
			Name:   mp.Issuer.Name,
			State:  strings.ToUpper(mp.Issuer.State),
			Rating: mp.QualityRating.GlobalRating,
		}
	}

	d.State = strings.ToUpper(mp.State)
	if d.State == "" {
		d.State = marketplace.StateFromPlanID(mp.ID)
	}
	if pt, ok := model.ParsePlanType(mp.Type); ok {
		d.PlanType = pt
	}
	d.MetalTier = parseMetalLevel(mp.MetalLevel)
	d.HSAEligible = mp.HSAEligible
	d.MonthlyPremium = mp.Premium
	if v, ok := individualAmount(mp.Deductibles); ok {
		d.Deductible = v
	}
	if v, ok := individualAmount(mp.MOOPs); ok {
		d.OutOfPocketMax = v
	}
	if mp.QualityRating.Available {
		d.QualityRating = mp.QualityRating.GlobalRating
	}
	if mp.BrochureURL != "" {
		d.SourceURL = mp.BrochureURL
	}
	if len(mp.AgePremiums) > 0 {
		d.PremiumByAge = make(map[int]float64, len(mp.AgePremiums))
		for k, v := range mp.AgePremiums {
			if age, err := strconv.Atoi(k); err == nil {
				d.PremiumByAge[age] = v
			}
		}
	}
	applyBenefits(d, mp.Benefits)

	filled := 0
	core := []bool{
		d.Name != "",
		d.CarrierID != "",
		d.State != "",
		d.PlanType != "",
		d.MetalTier != "",
		d.MonthlyPremium > 0,
		len(mp.Deductibles) > 0,
		len(mp.MOOPs) > 0,
		len(mp.Benefits) > 0,
		mp.QualityRating.Available,
	}
	for _, ok := range core {
		if ok {
			filled++
		}
	}
	return d, float64(filled) / float64(len(core))
}

// parseMetalLevel handles "Silver" and "Expanded Bronze".
func parseMetalLevel(s string) model.MetalTier {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	t := model.MetalTier(fields[len(fields)-1])
	if !t.Valid() {
		return ""
	}
	return t
}

func individualAmount(xs []marketplace.CostAmount) (float64, bool) {
	for _, x := range xs {
		if strings.EqualFold(x.FamilyCost, "Individual") {
			return x.Amount, true
		}
	}
	if len(xs) > 0 {
		return xs[0].Amount, true
	}
	return 0, false
}

var benefitKeywords = []struct {
	keyword string
	benefit model.Benefit
}{
	{"dental", model.BenefitDental},
	{"eye", model.BenefitVision},
	{"vision", model.BenefitVision},
	{"mental", model.BenefitMentalHealth},
	{"behavioral", model.BenefitMentalHealth},
	{"maternity", model.BenefitMaternity},
	{"prenatal", model.BenefitMaternity},
	{"delivery", model.BenefitMaternity},
	{"drug", model.BenefitPrescription},
	{"preventive", model.BenefitPreventive},
	{"emergency", model.BenefitEmergency},
	{"urgent", model.BenefitEmergency},
}

func applyBenefits(d *model.PlanRecord, benefits []marketplace.Benefit) {
	if len(benefits) == 0 {
		return
	}
	d.DentalIncluded, d.VisionIncluded, d.MentalHealthIncluded = false, false, false
	d.MaternityIncluded, d.PrescriptionIncluded = false, false
	d.PreventiveIncluded, d.EmergencyIncluded = false, false
	d.Benefits = d.Benefits[:0]

	var coinsurance float64
	for _, b := range benefits {
		if !b.Covered {
			continue
		}
		d.Benefits = append(d.Benefits, b.Name)
		name := strings.ToLower(b.Name)
		for _, kw := range benefitKeywords {
			if strings.Contains(name, kw.keyword) {
				setBenefit(d, kw.benefit)
			}
		}
		cs := inNetwork(b.CostSharings)
		if cs == nil {
			continue
		}
		switch {
		case strings.Contains(name, "primary care"):
			d.PrimaryCareCopay = cs.CopayAmount
		case strings.Contains(name, "specialist"):
			d.SpecialistCopay = cs.CopayAmount
		}
		coinsurance = max(coinsurance, cs.CoinsuranceRate)
	}
	if coinsurance > 0 && coinsurance <= 1 {
		coinsurance *= 100
	}
	d.Coinsurance = coinsurance
}

func inNetwork(xs []marketplace.CostSharing) *marketplace.CostSharing {
	for i := range xs {
		if xs[i].NetworkTier == "" || strings.HasPrefix(xs[i].NetworkTier, "In-Network") {
			return &xs[i]
		}
	}
	return nil
}

func setBenefit(d *model.PlanRecord, b model.Benefit) {
	switch b {
	case model.BenefitDental:
		d.DentalIncluded = true
	case model.BenefitVision:
		d.VisionIncluded = true
	case model.BenefitMentalHealth:
		d.MentalHealthIncluded = true
	case model.BenefitMaternity:
		d.MaternityIncluded = true
	case model.BenefitPrescription:
		d.PrescriptionIncluded = true
	case model.BenefitPreventive:
		d.PreventiveIncluded = true
	case model.BenefitEmergency:
		d.EmergencyIncluded = true
	}
}
