package firecrawl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-api-key", WithBaseURL(srv.URL))
	return srv, c
}

func TestScrape(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantErr    bool
		wantStatus int
	}{
		{
			name: "happy path",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/scrape", r.URL.Path)
				assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req ScrapeRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "https://acme.example/plans/TX-001", req.URL)
				assert.Equal(t, []string{"markdown"}, req.Formats)
				assert.True(t, req.OnlyMainContent)

				json.NewEncoder(w).Encode(ScrapeResponse{
					Success: true,
					Data: PageData{
						Markdown: "# Acme Silver 2500\nMonthly premium: $455",
						Metadata: PageMetadata{Title: "Acme Silver 2500", SourceURL: req.URL, StatusCode: 200},
					},
				})
			},
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate limit exceeded"}`))
			},
			wantErr:    true,
			wantStatus: 429,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal server error"}`))
			},
			wantErr:    true,
			wantStatus: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestServer(t, tt.handler)
			resp, err := c.Scrape(context.Background(), ScrapeRequest{
				URL:             "https://acme.example/plans/TX-001",
				OnlyMainContent: true,
			})

			if tt.wantErr {
				require.Error(t, err)
				var apiErr *APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, tt.wantStatus, apiErr.StatusCode)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, resp.Data.Markdown, "Monthly premium")
			assert.Equal(t, 200, resp.Data.Metadata.StatusCode)
		})
	}
}

func TestScrape_Unsuccessful(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false}`))
	})
	_, err := c.Scrape(context.Background(), ScrapeRequest{URL: "https://acme.example"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsuccessful")
}

func TestBatchScrape(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/batch/scrape", r.URL.Path)
		var req BatchScrapeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.URLs, 2)
		json.NewEncoder(w).Encode(BatchScrapeResponse{Success: true, ID: "batch-456"})
	})

	resp, err := c.BatchScrape(context.Background(), BatchScrapeRequest{
		URLs: []string{"https://acme.example/a", "https://acme.example/b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-456", resp.ID)
}

func TestGetBatchScrapeStatus(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/batch/scrape/batch-456", r.URL.Path)
		assert.Empty(t, r.Header.Get("Content-Type"), "status checks send no body")
		json.NewEncoder(w).Encode(BatchScrapeStatusResponse{
			Status:      "completed",
			Total:       2,
			Completed:   2,
			CreditsUsed: 2,
			Data: []PageData{
				{Markdown: "# A", Metadata: PageMetadata{SourceURL: "https://acme.example/a"}},
				{Markdown: "# B", Metadata: PageMetadata{SourceURL: "https://acme.example/b"}},
			},
		})
	})

	resp, err := c.GetBatchScrapeStatus(context.Background(), "batch-456")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.True(t, resp.Done())
	assert.Equal(t, 2, resp.CreditsUsed)
	assert.Len(t, resp.Data, 2)
}

func TestBatchScrape_Validation(t *testing.T) {
	var calls int
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(BatchScrapeResponse{Success: true})
	})

	_, err := c.BatchScrape(context.Background(), BatchScrapeRequest{})
	require.Error(t, err)
	assert.Zero(t, calls, "an empty batch never reaches the API")

	_, err = c.BatchScrape(context.Background(), BatchScrapeRequest{URLs: []string{"https://acme.example/a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no id")
}

func TestStatusDone(t *testing.T) {
	for status, done := range map[string]bool{
		StatusScraping:  false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		"":              false,
	} {
		assert.Equal(t, done, (&BatchScrapeStatusResponse{Status: status}).Done(), status)
	}
}

func TestWithRateLimit(t *testing.T) {
	c := NewClient("key", WithRateLimit(0)).(*httpClient)
	assert.Nil(t, c.limiter)

	c = NewClient("key", WithRateLimit(120)).(*httpClient)
	require.NotNil(t, c.limiter)
	assert.InDelta(t, 2.0, float64(c.limiter.Limit()), 1e-9)
}

func TestRateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ScrapeResponse{Success: true})
	}))
	t.Cleanup(srv.Close)
	c := NewClient("key", WithBaseURL(srv.URL), WithRateLimit(1))

	_, err := c.Scrape(context.Background(), ScrapeRequest{URL: "https://acme.example/a"})
	require.NoError(t, err, "the first request uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Scrape(ctx, ScrapeRequest{URL: "https://acme.example/b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}

func TestGetBatchScrapeStatus_Error(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not found"}`))
	})
	_, err := c.GetBatchScrapeStatus(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.StatusCode)
}

func TestContextCancellation(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Scrape(ctx, ScrapeRequest{URL: "https://acme.example"})
	require.Error(t, err)
}

func TestAPIError_Error(t *testing.T) {
	err := &APIError{StatusCode: 403, Body: "forbidden"}
	assert.Equal(t, "firecrawl: HTTP 403: forbidden", err.Error())
}

func TestWithHTTPClient(t *testing.T) {
	hc := &http.Client{}
	c := NewClient("key", WithHTTPClient(hc)).(*httpClient)
	assert.Same(t, hc, c.http)
	assert.Equal(t, defaultBaseURL, c.baseURL)
}

func TestMalformedJSON(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})
	_, err := c.BatchScrape(context.Background(), BatchScrapeRequest{URLs: []string{"https://acme.example"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}
