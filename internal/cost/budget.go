package cost

import (
	"sync"
	"time"
)

// Budget caps extraction spend per UTC day. A zero limit disables the cap.
type Budget struct {
	mu    sync.Mutex
	limit float64
	spent float64
	day   time.Time
	now   func() time.Time
}

// NewBudget creates a Budget allowing limit USD per day.
func NewBudget(limit float64) *Budget {
	return &Budget{limit: limit, now: time.Now}
}

// Allow reports whether more spend is permitted today.
func (b *Budget) Allow() bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.spent < b.limit
}

// Add records usd of spend.
func (b *Budget) Add(usd float64) {
	if b == nil || usd <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	b.spent += usd
}

// Spent returns today's recorded spend.
func (b *Budget) Spent() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked()
	return b.spent
}

// Limit returns the daily cap.
func (b *Budget) Limit() float64 {
	if b == nil {
		return 0
	}
	return b.limit
}

func (b *Budget) rollLocked() {
	day := b.now().UTC().Truncate(24 * time.Hour)
	if !day.Equal(b.day) {
		b.day = day
		b.spent = 0
	}
}
