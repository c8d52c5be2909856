package firecrawl

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// PollConfig spaces batch status checks. The interval doubles after each
// unfinished check up to Cap. Timeout applies only when the context has no
// deadline of its own.
type PollConfig struct {
	Interval time.Duration
	Cap      time.Duration
	Timeout  time.Duration
}

// DefaultPollConfig polls at 2s, 4s, 8s then every 15s for up to 5m.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 2 * time.Second, Cap: 15 * time.Second, Timeout: 5 * time.Minute}
}

func (c PollConfig) withDefaults() PollConfig {
	d := DefaultPollConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Cap < c.Interval {
		c.Cap = max(d.Cap, c.Interval)
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}

// PollBatchScrape waits for batch id to finish and returns its pages.
// A failed or cancelled batch is an error.
func PollBatchScrape(ctx context.Context, client Client, id string, cfg PollConfig) (*BatchScrapeStatusResponse, error) {
	cfg = cfg.withDefaults()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	interval := cfg.Interval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		status, err := client.GetBatchScrapeStatus(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "firecrawl: poll batch %s", id)
		}
		if status.Done() {
			if status.Status != StatusCompleted {
				return nil, eris.Errorf("firecrawl: batch %s %s after %d/%d pages", id, status.Status, status.Completed, status.Total)
			}
			return status, nil
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ctx.Err(), "firecrawl: batch %s still %s", id, status.Status)
		case <-timer.C:
		}
		interval = min(interval*2, cfg.Cap)
	}
}
