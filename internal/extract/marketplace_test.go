package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/resilience"
	"github.com/sells-group/planfinder/pkg/marketplace"
)

type mockMarketplace struct {
	mock.Mock
}

func (m *mockMarketplace) GetPlan(ctx context.Context, planID string) (*marketplace.Plan, error) {
	args := m.Called(ctx, planID)
	if p := args.Get(0); p != nil {
		return p.(*marketplace.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}

func fastRetry(attempts int) resilience.RetryConfig {
	cfg := resilience.RetryFromAttempts(attempts)
	cfg.Backoff.Base = time.Millisecond
	cfg.Backoff.Max = 2 * time.Millisecond
	return cfg
}

func acmePlan() *marketplace.Plan {
	return &marketplace.Plan{
		ID:          "12345TX0010001",
		Name:        "Acme Silver 2500 PPO",
		Issuer:      marketplace.Issuer{ID: "12345", Name: "Acme Health", State: "TX"},
		MetalLevel:  "Silver",
		Type:        "PPO",
		Premium:     455,
		Deductibles: []marketplace.CostAmount{{Amount: 5000, FamilyCost: "Family"}, {Amount: 2500, FamilyCost: "Individual"}},
		MOOPs:       []marketplace.CostAmount{{Amount: 8000, FamilyCost: "Individual"}},
		Benefits: []marketplace.Benefit{
			{Name: "Primary Care Visit to Treat an Injury or Illness", Covered: true,
				CostSharings: []marketplace.CostSharing{{CopayAmount: 30, CoinsuranceRate: 0.2, NetworkTier: "In-Network"}}},
			{Name: "Specialist Visit", Covered: true,
				CostSharings: []marketplace.CostSharing{{CopayAmount: 60, NetworkTier: "In-Network"}}},
			{Name: "Generic Drugs", Covered: true},
			{Name: "Routine Dental Services (Adult)", Covered: false},
		},
		QualityRating: marketplace.QualityRating{Available: true, GlobalRating: 4},
		BrochureURL:   "https://plans.acmehealth.example/tx/silver-2500",
		AgePremiums:   map[string]float64{"21": 320, "64": 970},
	}
}

func TestMarketplaceProvider_Extract(t *testing.T) {
	client := new(mockMarketplace)
	client.On("GetPlan", mock.Anything, "12345TX0010001").Return(acmePlan(), nil)

	p := NewMarketplaceProvider(client, fastRetry(3))
	res, err := p.Extract(context.Background(), Request{PlanID: "12345TX0010001"})
	require.NoError(t, err)

	d := res.Draft
	assert.Equal(t, "TX", d.State, "state comes from the plan id")
	assert.Equal(t, model.PlanPPO, d.PlanType)
	assert.Equal(t, model.TierSilver, d.MetalTier)
	assert.Equal(t, 2500.0, d.Deductible, "individual deductible wins")
	assert.Equal(t, 8000.0, d.OutOfPocketMax)
	assert.Equal(t, 30.0, d.PrimaryCareCopay)
	assert.Equal(t, 60.0, d.SpecialistCopay)
	assert.Equal(t, 20.0, d.Coinsurance)
	assert.True(t, d.PrescriptionIncluded)
	assert.False(t, d.DentalIncluded, "uncovered benefits are not flagged")
	assert.Equal(t, map[int]float64{21: 320, 64: 970}, d.PremiumByAge)
	require.NotNil(t, d.Carrier)
	assert.Equal(t, "Acme Health", d.Carrier.Name)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Zero(t, res.CostUSD)
	client.AssertExpectations(t)
}

func TestMarketplaceProvider_RetriesTransient(t *testing.T) {
	client := new(mockMarketplace)
	client.On("GetPlan", mock.Anything, "12345TX0010001").
		Return(nil, &marketplace.APIError{StatusCode: 503}).Once()
	client.On("GetPlan", mock.Anything, "12345TX0010001").Return(acmePlan(), nil).Once()

	p := NewMarketplaceProvider(client, fastRetry(3))
	_, err := p.Extract(context.Background(), Request{PlanID: "12345TX0010001"})
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "GetPlan", 2)
}

func TestMarketplaceProvider_NotFoundIsNotRetried(t *testing.T) {
	client := new(mockMarketplace)
	client.On("GetPlan", mock.Anything, "missing").Return(nil, &marketplace.APIError{StatusCode: 404})

	p := NewMarketplaceProvider(client, fastRetry(3))
	_, err := p.Extract(context.Background(), Request{PlanID: "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrExtraction))
	client.AssertNumberOfCalls(t, "GetPlan", 1)
}

func TestFromMarketplace_PartialData(t *testing.T) {
	prev := &model.PlanRecord{
		ID: "12345TX0010001", Revision: 3, SourceURL: "https://old.example",
		PremiumByAge: map[int]float64{40: 400},
	}
	d, conf := fromMarketplace(&marketplace.Plan{
		ID: "12345TX0010001", Name: "Acme", MetalLevel: "Expanded Bronze", Premium: 300,
	}, prev)

	assert.Equal(t, model.TierBronze, d.MetalTier)
	assert.Equal(t, 0, d.Revision)
	assert.Equal(t, "https://old.example", d.SourceURL, "unpublished fields carry over")
	assert.Equal(t, map[int]float64{40: 400}, d.PremiumByAge)
	assert.InDelta(t, 0.4, conf, 1e-9)
	assert.Equal(t, 3, prev.Revision, "previous revision is not mutated")
}

func TestParseMetalLevel(t *testing.T) {
	assert.Equal(t, model.TierGold, parseMetalLevel("Gold"))
	assert.Equal(t, model.TierBronze, parseMetalLevel("Expanded Bronze"))
	assert.Equal(t, model.MetalTier(""), parseMetalLevel("Diamond"))
	assert.Equal(t, model.MetalTier(""), parseMetalLevel(""))
}
