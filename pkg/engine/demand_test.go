package engine

import (
	"context"
	"testing"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// windowContainingNow returns a demand peak window that covers (or excludes)
// the current Sydney clock time, keeping the tests independent of when they
// run.
func windowContainingNow(t *testing.T, contains bool) types.ClockWindow {
	loc, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	now := time.Now().In(loc)

	if contains {
		return types.ClockWindow{
			StartHour: now.Hour(),
			EndHour:   (now.Hour() + 1) % 24,
		}
	}
	return types.ClockWindow{
		StartHour: (now.Hour() + 2) % 24,
		EndHour:   (now.Hour() + 3) % 24,
	}
}

func TestDemandDisablesGridChargingInPeak(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{
		Demand: types.DemandConfig{
			Enabled: true,
			Peak:    windowContainingNow(t, true),
		},
	})
	persisted := env.capturePolicy()

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)
	env.ctrl.On("SetGridChargingEnabled", mock.Anything, "es1", false).Return(nil)

	env.engine.RunDemand(context.Background())

	env.ctrl.AssertCalled(t, "SetGridChargingEnabled", mock.Anything, "es1", false)
	assert.True(t, persisted.GridChargingDisabledForDemand)
}

func TestDemandRestoresGridChargingAfterPeak(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{
		GridChargingDisabledForDemand: true,
		Demand: types.DemandConfig{
			Enabled: true,
			Peak:    windowContainingNow(t, false),
		},
	})
	persisted := env.capturePolicy()

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)
	env.ctrl.On("SetGridChargingEnabled", mock.Anything, "es1", true).Return(nil)

	env.engine.RunDemand(context.Background())

	env.ctrl.AssertCalled(t, "SetGridChargingEnabled", mock.Anything, "es1", true)
	assert.False(t, persisted.GridChargingDisabledForDemand)
}

func TestDemandIdempotentInPeak(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{
		GridChargingDisabledForDemand: true,
		Demand: types.DemandConfig{
			Enabled: true,
			Peak:    windowContainingNow(t, true),
		},
	})

	env.ctrl.On("GetTimeZone", mock.Anything, "es1").Return("Australia/Sydney", nil)

	env.engine.RunDemand(context.Background())

	env.ctrl.AssertNotCalled(t, "SetGridChargingEnabled", mock.Anything, mock.Anything, mock.Anything)
	env.db.AssertNotCalled(t, "SetPolicy", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDemandSkipsWhenDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedPolicy(t, types.UserPolicy{
		Demand: types.DemandConfig{
			Peak: windowContainingNow(t, true),
		},
	})

	env.engine.RunDemand(context.Background())

	env.ctrl.AssertNotCalled(t, "SetGridChargingEnabled", mock.Anything, mock.Anything, mock.Anything)
}
