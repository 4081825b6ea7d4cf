package engine

import (
	"context"
	"sync"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"
)

// Coordinator deduplicates sync triggers across the push and fallback paths,
// guaranteeing at most one sync per 5-minute market period. Its state is
// recoverable from the wall clock alone after a crash; push wins by arriving
// first and the cron fallback self-suppresses.
type Coordinator struct {
	mu          sync.Mutex
	pushPrices  []types.PriceInterval
	pushArrived chan struct{}
	claimed     time.Time
}

// NewCoordinator returns an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		pushArrived: make(chan struct{}, 1),
	}
}

// CurrentPeriod returns the 5-minute-aligned UTC period covering t.
func CurrentPeriod(t time.Time) time.Time {
	return t.UTC().Truncate(5 * time.Minute)
}

// NotifyPushUpdate stores the latest push payload and signals any waiter.
// It never blocks.
func (c *Coordinator) NotifyPushUpdate(prices []types.PriceInterval) {
	c.mu.Lock()
	c.pushPrices = prices
	c.mu.Unlock()

	select {
	case c.pushArrived <- struct{}{}:
	default:
	}
}

// WaitForPush blocks up to timeout for a push payload, returning it or nil
// on timeout. The signal is consumed on exit.
func (c *Coordinator) WaitForPush(ctx context.Context, timeout time.Duration) []types.PriceInterval {
	select {
	case <-c.pushArrived:
	case <-time.After(timeout):
		return nil
	case <-ctx.Done():
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushPrices
}

// ClaimPeriod claims the current 5-minute period, returning true only for
// the first caller within it.
func (c *Coordinator) ClaimPeriod() bool {
	return c.claimAt(time.Now())
}

func (c *Coordinator) claimAt(now time.Time) bool {
	period := CurrentPeriod(now)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed.Equal(period) {
		return false
	}
	c.claimed = period
	return true
}

// IsPeriodClaimed reports whether the current period was already claimed,
// without claiming it. Used by fallback callers to self-suppress.
func (c *Coordinator) IsPeriodClaimed() bool {
	return c.isClaimedAt(time.Now())
}

func (c *Coordinator) isClaimedAt(now time.Time) bool {
	period := CurrentPeriod(now)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claimed.Equal(period)
}
