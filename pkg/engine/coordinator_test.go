package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentPeriod(t *testing.T) {
	ts := time.Date(2024, 6, 1, 10, 7, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 5, 0, 0, time.UTC), CurrentPeriod(ts))

	// non-UTC input lands in the same absolute period
	syd, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	assert.Equal(t, CurrentPeriod(ts), CurrentPeriod(ts.In(syd)))
}

func TestClaimPeriodOncePerPeriod(t *testing.T) {
	c := NewCoordinator()
	t0 := time.Date(2024, 6, 1, 10, 6, 0, 0, time.UTC)

	assert.True(t, c.claimAt(t0))
	assert.False(t, c.claimAt(t0.Add(time.Minute)), "same period claims once")
	assert.True(t, c.claimAt(t0.Add(5*time.Minute)), "next period claims again")
}

func TestIsPeriodClaimed(t *testing.T) {
	c := NewCoordinator()
	t0 := time.Date(2024, 6, 1, 10, 6, 0, 0, time.UTC)

	assert.False(t, c.isClaimedAt(t0))
	require.True(t, c.claimAt(t0))
	assert.True(t, c.isClaimedAt(t0.Add(time.Minute)))
	assert.False(t, c.isClaimedAt(t0.Add(5*time.Minute)))
	// peeking never claims
	assert.True(t, c.claimAt(t0.Add(5*time.Minute)))
}

func TestWaitForPush(t *testing.T) {
	c := NewCoordinator()
	prices := []types.PriceInterval{{ChannelType: types.ChannelGeneral, PerKWH: 12}}

	c.NotifyPushUpdate(prices)
	got := c.WaitForPush(context.Background(), time.Second)
	assert.Equal(t, prices, got)

	// signal was consumed, next wait times out
	got = c.WaitForPush(context.Background(), 10*time.Millisecond)
	assert.Nil(t, got)
}

func TestNotifyPushUpdateNeverBlocks(t *testing.T) {
	c := NewCoordinator()
	for i := 0; i < 10; i++ {
		c.NotifyPushUpdate([]types.PriceInterval{{PerKWH: float64(i)}})
	}
	got := c.WaitForPush(context.Background(), time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, float64(9), got[0].PerKWH, "waiter sees the latest payload")
}
