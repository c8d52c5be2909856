// Package marketplace provides a client for the Healthcare.gov Marketplace
// API, the low-cost source of plan data.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://marketplace.api.healthcare.gov/api/v1"

// Client fetches plan details from the Marketplace API.
type Client interface {
	GetPlan(ctx context.Context, planID string) (*Plan, error)
}

// Plan is the subset of the Marketplace plan document used for extraction.
type Plan struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Issuer        Issuer        `json:"issuer"`
	State         string        `json:"state"`
	MetalLevel    string        `json:"metal_level"`
	Type          string        `json:"type"`
	Premium       float64       `json:"premium"`
	HSAEligible   bool          `json:"hsa_eligible"`
	Deductibles   []CostAmount  `json:"deductibles"`
	MOOPs         []CostAmount  `json:"moops"`
	Benefits      []Benefit     `json:"benefits"`
	QualityRating QualityRating `json:"quality_rating"`
	BrochureURL   string        `json:"brochure_url"`
	// AgePremiums is populated from the rate table when the API returns it.
	AgePremiums map[string]float64 `json:"age_premiums,omitempty"`
}

// Issuer is the carrier offering a plan.
type Issuer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// CostAmount is a deductible or out-of-pocket maximum entry.
type CostAmount struct {
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	FamilyCost  string  `json:"family_cost"`
	NetworkTier string  `json:"network_tier"`
}

// Benefit is a covered service with its cost sharing.
type Benefit struct {
	Name         string        `json:"name"`
	Type         string        `json:"type"`
	Covered      bool          `json:"covered"`
	CostSharings []CostSharing `json:"cost_sharings"`
}

// CostSharing describes what the member pays for a benefit.
type CostSharing struct {
	CopayAmount     float64 `json:"copay_amount"`
	CoinsuranceRate float64 `json:"coinsurance_rate"`
	NetworkTier     string  `json:"network_tier"`
}

// QualityRating is the CMS star rating.
type QualityRating struct {
	Available    bool    `json:"available"`
	GlobalRating float64 `json:"global_rating"`
}

type planEnvelope struct {
	Plan Plan `json:"plan"`
}

// APIError is returned when the Marketplace API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second rate limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
		}
	}
}

// WithYear pins the plan year; zero uses the API's current year.
func WithYear(year int) Option {
	return func(c *httpClient) {
		c.year = year
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	year    int
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Marketplace API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	q := url.Values{}
	if c.year > 0 {
		q.Set("year", strconv.Itoa(c.year))
	}
	var env planEnvelope
	if err := c.get(ctx, "/plans/"+url.PathEscape(planID), q, &env); err != nil {
		return nil, eris.Wrapf(err, "marketplace: get plan %s", planID)
	}
	if env.Plan.ID == "" {
		env.Plan.ID = planID
	}
	return &env.Plan, nil
}

func (c *httpClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "rate limit wait")
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

// StateFromPlanID returns the two-letter state embedded in a standard
// component plan id (five-digit issuer id followed by the state code).
func StateFromPlanID(planID string) string {
	if len(planID) < 7 {
		return ""
	}
	return planID[5:7]
}
