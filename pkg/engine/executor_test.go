package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// syncForecast generates aligned 30-minute forecast intervals for both
// channels from midnight today in Sydney for 48 hours.
func syncForecast(t *testing.T, hours int, generalCents, feedInCents float64) []types.PriceInterval {
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	day := time.Now().In(loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)

	var out []types.PriceInterval
	for ts := start; ts.Before(start.Add(time.Duration(hours) * time.Hour)); ts = ts.Add(30 * time.Minute) {
		end := ts.Add(30 * time.Minute)
		out = append(out,
			types.PriceInterval{
				NemTime:     end,
				Duration:    30,
				ChannelType: types.ChannelGeneral,
				Kind:        types.KindForecast,
				AdvancedPrice: &types.AdvancedPrice{
					Predicted: generalCents, Low: generalCents - 5, High: generalCents + 5,
				},
			},
			types.PriceInterval{
				NemTime:     end,
				Duration:    30,
				ChannelType: types.ChannelFeedIn,
				Kind:        types.KindForecast,
				AdvancedPrice: &types.AdvancedPrice{
					Predicted: feedInCents, Low: feedInCents - 2, High: feedInCents + 2,
				},
			},
		)
	}
	return out
}

func TestSyncPublishesTariff(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{SyncEnabled: true})
	persisted := env.capturePolicy()
	env.source.forecast = syncForecast(t, 48, 25, 10)

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)
	env.ctrl.On("SetTariff", mock.Anything, "es1", mock.Anything).Return(nil)

	env.engine.runSync(context.Background(), nil)

	env.ctrl.AssertCalled(t, "SetTariff", mock.Anything, "es1", mock.Anything)
	assert.Equal(t, "ok", persisted.LastUpdateStatus)
	assert.NotEmpty(t, persisted.LastTariffHash)
	assert.False(t, persisted.LastUpdateTime.IsZero())
}

func TestSyncSkipsUnchangedTariff(t *testing.T) {
	env := newTestEnv(t, nil)
	persisted := env.capturePolicy()
	env.source.forecast = syncForecast(t, 48, 25, 10)

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)
	env.ctrl.On("SetTariff", mock.Anything, "es1", mock.Anything).Return(nil).Once()

	env.seedPolicy(t, types.UserPolicy{SyncEnabled: true})
	env.engine.runSync(context.Background(), nil)
	require.Equal(t, "ok", persisted.LastUpdateStatus)

	// second pass sees the persisted hash and leaves the device alone
	second := newTestEnv(t, nil)
	second.seedPolicy(t, types.UserPolicy{
		SyncEnabled:    true,
		LastTariffHash: persisted.LastTariffHash,
	})
	secondPersisted := second.capturePolicy()
	second.source.forecast = env.source.forecast
	second.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)

	second.engine.runSync(context.Background(), nil)

	second.ctrl.AssertNotCalled(t, "SetTariff", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, "unchanged", secondPersisted.LastUpdateStatus)
	assert.Equal(t, persisted.LastTariffHash, secondPersisted.LastTariffHash)
}

func TestSyncInsufficientForecast(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{SyncEnabled: true})
	persisted := env.capturePolicy()
	// a few hours of data leaves most of the day uncovered
	env.source.forecast = syncForecast(t, 4, 25, 10)

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)

	env.engine.runSync(context.Background(), nil)

	env.ctrl.AssertNotCalled(t, "SetTariff", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, "insufficient forecast data", persisted.LastUpdateStatus)
	assert.Empty(t, persisted.LastTariffHash, "last good hash stays untouched")
}

func TestSyncDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{SyncEnabled: false})

	env.engine.runSync(context.Background(), nil)

	env.ctrl.AssertNotCalled(t, "SetTariff", mock.Anything, mock.Anything, mock.Anything)
	env.db.AssertNotCalled(t, "SetPolicy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncUsesPushPrices(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{SyncEnabled: true})
	env.capturePolicy()
	env.source.forecast = syncForecast(t, 48, 25, 10)
	// GetCurrentPrices would fail; push prices must be used instead
	env.source.current = nil

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)
	env.ctrl.On("SetTariff", mock.Anything, "es1", mock.Anything).Return(nil)

	push := []types.PriceInterval{{
		NemTime:     time.Now().Add(3 * time.Minute),
		Duration:    5,
		ChannelType: types.ChannelGeneral,
		Kind:        types.KindCurrent,
		PerKWH:      480,
	}}
	env.engine.runSync(context.Background(), push)

	env.ctrl.AssertCalled(t, "SetTariff", mock.Anything, "es1", mock.Anything)
}

func TestPushSyncSuppressesFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{SyncEnabled: true})
	env.capturePolicy()
	env.source.forecast = syncForecast(t, 48, 25, 10)

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)
	env.ctrl.On("SetTariff", mock.Anything, "es1", mock.Anything).Return(nil)

	push := []types.PriceInterval{{
		NemTime:     time.Now().Add(3 * time.Minute),
		Duration:    5,
		ChannelType: types.ChannelGeneral,
		Kind:        types.KindCurrent,
		PerKWH:      30,
	}}
	env.engine.SyncFromPush(context.Background(), push)

	env.ctrl.AssertNumberOfCalls(t, "SetTariff", 1)
	require.Equal(t, int64(1), env.source.forecastCalls.Load())
	require.Zero(t, env.source.currentCalls.Load(), "push payload replaces the current-price fetch")

	// the cron fallback in the same period yields without touching anything
	env.engine.SyncFallback(context.Background())

	env.ctrl.AssertNumberOfCalls(t, "SetTariff", 1)
	assert.Equal(t, int64(1), env.source.forecastCalls.Load())
	assert.Zero(t, env.source.currentCalls.Load())
}

func TestSaveEnergyUsage(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{})

	env.ctrl.On("GetSiteStatus", mock.Anything, "es1").Return(powerwall.SiteStatus{
		BatteryPowerW:     1500,
		SolarPowerW:       3000,
		LoadPowerW:        2000,
		GridPowerW:        -500,
		PercentageCharged: 80,
	}, nil)

	var saved types.EnergySample
	env.db.On("UpsertEnergySample", mock.Anything, testEmail, mock.Anything).
		Run(func(args mock.Arguments) {
			saved = args.Get(2).(types.EnergySample)
		}).Return(nil)

	env.engine.SaveEnergyUsage(context.Background())

	assert.Equal(t, float64(1500), saved.BatteryPowerW)
	assert.Equal(t, float64(3000), saved.SolarPowerW)
	assert.False(t, saved.Timestamp.IsZero())
}

func TestSavePriceHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{SyncEnabled: true})
	env.source.current = []types.PriceInterval{
		{NemTime: time.Now(), ChannelType: types.ChannelGeneral, Kind: types.KindCurrent, PerKWH: 30},
		{NemTime: time.Now(), ChannelType: types.ChannelFeedIn, Kind: types.KindCurrent, PerKWH: 12},
	}
	env.db.On("UpsertPrice", mock.Anything, testEmail, mock.Anything).Return(nil)

	env.engine.SavePriceHistory(context.Background())

	env.db.AssertNumberOfCalls(t, "UpsertPrice", 2)
}
