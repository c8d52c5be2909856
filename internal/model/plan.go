// Package model defines the plan, carrier, freshness, and job types shared by
// the orchestration engine, stores, and search.
package model

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// MetalTier is the ACA metal level of a plan.
type MetalTier string

const (
	TierCatastrophic MetalTier = "catastrophic"
	TierBronze       MetalTier = "bronze"
	TierSilver       MetalTier = "silver"
	TierGold         MetalTier = "gold"
	TierPlatinum     MetalTier = "platinum"
)

// Valid reports whether t is a known metal tier.
func (t MetalTier) Valid() bool {
	switch t {
	case TierCatastrophic, TierBronze, TierSilver, TierGold, TierPlatinum:
		return true
	}
	return false
}

// PlanType is the network model of a plan.
type PlanType string

const (
	PlanHMO  PlanType = "HMO"
	PlanPPO  PlanType = "PPO"
	PlanEPO  PlanType = "EPO"
	PlanPOS  PlanType = "POS"
	PlanHDHP PlanType = "HDHP"
)

// ParsePlanType normalizes s to a known PlanType. ok is false for unknown types.
func ParsePlanType(s string) (PlanType, bool) {
	t := PlanType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case PlanHMO, PlanPPO, PlanEPO, PlanPOS, PlanHDHP:
		return t, true
	}
	return "", false
}

// CoverageType distinguishes individual from family coverage.
type CoverageType string

const (
	CoverageIndividual CoverageType = "individual"
	CoverageFamily     CoverageType = "family"
)

// Valid reports whether c is a known coverage type.
func (c CoverageType) Valid() bool {
	return c == CoverageIndividual || c == CoverageFamily
}

// Benefit is a searchable benefit flag.
type Benefit string

const (
	BenefitDental       Benefit = "dental"
	BenefitVision       Benefit = "vision"
	BenefitMentalHealth Benefit = "mental_health"
	BenefitMaternity    Benefit = "maternity"
	BenefitPrescription Benefit = "prescription"
	BenefitPreventive   Benefit = "preventive"
	BenefitEmergency    Benefit = "emergency"
)

// AllBenefits lists every benefit flag in a stable order.
var AllBenefits = []Benefit{
	BenefitDental,
	BenefitVision,
	BenefitMentalHealth,
	BenefitMaternity,
	BenefitPrescription,
	BenefitPreventive,
	BenefitEmergency,
}

// ParseBenefit returns the Benefit named by s.
func ParseBenefit(s string) (Benefit, bool) {
	b := Benefit(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(AllBenefits, b) {
		return b, true
	}
	return "", false
}

// Carrier is an insurance company offering plans.
type Carrier struct {
	ID     string  `json:"id" yaml:"id"`
	Name   string  `json:"name" yaml:"name"`
	State  string  `json:"state,omitempty" yaml:"state,omitempty"`
	Rating float64 `json:"rating" yaml:"rating"`
}

// PlanRecord is one committed revision of an insurance plan. Records are
// immutable once committed; a refresh supersedes them with a new revision.
type PlanRecord struct {
	ID        string `json:"id" yaml:"id"`
	Revision  int    `json:"revision" yaml:"-"`
	CarrierID string `json:"carrier_id" yaml:"carrier_id"`
	// Carrier is set on drafts whose carrier may not exist yet; the quality
	// gate creates it in the same transaction as the plan.
	Carrier *Carrier `json:"carrier,omitempty" yaml:"carrier,omitempty"`

	Name         string       `json:"name" yaml:"name"`
	State        string       `json:"state" yaml:"state"`
	PlanType     PlanType     `json:"plan_type" yaml:"plan_type"`
	MetalTier    MetalTier    `json:"metal_tier" yaml:"metal_tier"`
	CoverageType CoverageType `json:"coverage_type" yaml:"coverage_type"`

	MonthlyPremium   float64 `json:"monthly_premium" yaml:"monthly_premium"`
	Deductible       float64 `json:"deductible" yaml:"deductible"`
	OutOfPocketMax   float64 `json:"out_of_pocket_max" yaml:"out_of_pocket_max"`
	Coinsurance      float64 `json:"coinsurance" yaml:"coinsurance"`
	PrimaryCareCopay float64 `json:"primary_care_copay" yaml:"primary_care_copay"`
	SpecialistCopay  float64 `json:"specialist_copay" yaml:"specialist_copay"`

	DentalIncluded       bool `json:"dental_included" yaml:"dental_included"`
	VisionIncluded       bool `json:"vision_included" yaml:"vision_included"`
	MentalHealthIncluded bool `json:"mental_health_included" yaml:"mental_health_included"`
	MaternityIncluded    bool `json:"maternity_included" yaml:"maternity_included"`
	PrescriptionIncluded bool `json:"prescription_included" yaml:"prescription_included"`
	PreventiveIncluded   bool `json:"preventive_included" yaml:"preventive_included"`
	EmergencyIncluded    bool `json:"emergency_included" yaml:"emergency_included"`
	HSAEligible          bool `json:"hsa_eligible" yaml:"hsa_eligible"`

	QualityRating float64         `json:"quality_rating" yaml:"quality_rating"`
	PremiumByAge  map[int]float64 `json:"premium_by_age,omitempty" yaml:"premium_by_age,omitempty"`
	Benefits      []string        `json:"benefits,omitempty" yaml:"benefits,omitempty"`
	SourceURL     string          `json:"source_url,omitempty" yaml:"source_url,omitempty"`
	IsActive      bool            `json:"is_active" yaml:"is_active"`
	CommittedAt   time.Time       `json:"committed_at" yaml:"-"`
}

// HasBenefit reports whether the plan covers b.
func (p *PlanRecord) HasBenefit(b Benefit) bool {
	switch b {
	case BenefitDental:
		return p.DentalIncluded
	case BenefitVision:
		return p.VisionIncluded
	case BenefitMentalHealth:
		return p.MentalHealthIncluded
	case BenefitMaternity:
		return p.MaternityIncluded
	case BenefitPrescription:
		return p.PrescriptionIncluded
	case BenefitPreventive:
		return p.PreventiveIncluded
	case BenefitEmergency:
		return p.EmergencyIncluded
	}
	return false
}

// Clone returns a deep copy of p so callers can never mutate a committed
// revision held by a store.
func (p *PlanRecord) Clone() *PlanRecord {
	if p == nil {
		return nil
	}
	c := *p
	if p.Carrier != nil {
		carrier := *p.Carrier
		c.Carrier = &carrier
	}
	c.PremiumByAge = maps.Clone(p.PremiumByAge)
	c.Benefits = slices.Clone(p.Benefits)
	return &c
}

// ValidStateCode reports whether s looks like a two-letter US state code.
func ValidStateCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
