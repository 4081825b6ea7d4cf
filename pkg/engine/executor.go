package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/tariff"
	"github.com/tariffpilot/tariffpilot/pkg/types"
)

const (
	forecastHours      = 48
	forecastResolution = 30
)

// HandlePushPrices is the WebSocket update callback. It records the payload
// on the coordinator and kicks off the push-driven work without blocking the
// stream's read loop.
func (e *Engine) HandlePushPrices(ctx context.Context, prices []types.PriceInterval) {
	e.coordinator.NotifyPushUpdate(prices)
	go func() {
		e.SyncFromPush(ctx, prices)
		e.RunCurtailment(ctx, prices)
	}()
}

// SyncFromPush runs a sync for all users using push prices as the current
// interval pair, unless this period was already synced.
func (e *Engine) SyncFromPush(ctx context.Context, prices []types.PriceInterval) {
	if !e.coordinator.ClaimPeriod() {
		log.Ctx(ctx).DebugContext(ctx, "period already synced, ignoring push")
		return
	}
	e.runSync(ctx, prices)
}

// SyncFallback is the cron path. It yields to a push-driven sync that
// already claimed the period.
func (e *Engine) SyncFallback(ctx context.Context) {
	if e.coordinator.IsPeriodClaimed() {
		log.Ctx(ctx).DebugContext(ctx, "period already synced, skipping fallback")
		return
	}
	if !e.coordinator.ClaimPeriod() {
		return
	}
	e.runSync(ctx, nil)
}

// RunSyncNow forces a sync pass regardless of the period claim. Used by the
// manual update endpoint.
func (e *Engine) RunSyncNow(ctx context.Context) {
	e.coordinator.ClaimPeriod()
	e.runSync(ctx, nil)
}

func (e *Engine) runSync(ctx context.Context, pushPrices []types.PriceInterval) {
	e.forEachUser(ctx, func(ctx context.Context, email string) error {
		return e.withUser(ctx, email, func(ctx context.Context, u *userState) error {
			return e.syncUser(ctx, u, pushPrices)
		})
	})
}

// syncUser performs one fetch, build, dedupe, publish cycle for a user.
func (e *Engine) syncUser(ctx context.Context, u *userState, pushPrices []types.PriceInterval) error {
	if !u.policy.SyncEnabled {
		return nil
	}

	src, amberSiteID, err := e.amberSource(u)
	if err != nil {
		return err
	}
	ctrl, deviceSiteID, err := e.deviceController(u)
	if err != nil {
		return err
	}

	fail := func(status string, err error) error {
		u.policy.LastUpdateTime = time.Now()
		u.policy.LastUpdateStatus = status
		u.dirty = true
		return err
	}

	current := pushPrices
	if current == nil {
		current, err = src.GetCurrentPrices(ctx, amberSiteID)
		if err != nil {
			return fail("failed to fetch current prices", err)
		}
	}

	forecast, err := src.GetForecast(ctx, amberSiteID, forecastHours, forecastResolution)
	if err != nil {
		return fail("failed to fetch forecast", err)
	}

	loc := e.deviceLocation(ctx, ctrl, deviceSiteID, forecast)

	doc, err := tariff.Build(ctx, tariff.BuildInput{
		Forecast: forecast,
		Current:  current,
		Policy:   u.policy,
		Location: loc,
		Now:      time.Now(),
	})
	if err != nil {
		var ierr *tariff.InsufficientDataError
		if errors.As(err, &ierr) {
			// keep the device's last-good tariff in place
			return fail("insufficient forecast data", err)
		}
		return fail("failed to build tariff", err)
	}

	hash, err := tariff.Hash(doc)
	if err != nil {
		return fail("failed to hash tariff", err)
	}
	if hash == u.policy.LastTariffHash {
		log.Ctx(ctx).DebugContext(ctx, "tariff unchanged, skipping publish", slog.String("hash", hash))
		u.policy.LastUpdateTime = time.Now()
		u.policy.LastUpdateStatus = "unchanged"
		u.dirty = true
		return nil
	}

	if err := ctrl.SetTariff(ctx, deviceSiteID, doc); err != nil {
		return fail("failed to publish tariff", err)
	}

	log.Ctx(ctx).InfoContext(ctx, "published tariff", slog.String("hash", hash))
	u.policy.LastTariffHash = hash
	u.policy.LastUpdateTime = time.Now()
	u.policy.LastUpdateStatus = "ok"
	u.dirty = true
	return nil
}

// deviceLocation prefers the device's installation timezone, falling back to
// the timezone the forecast timestamps carry.
func (e *Engine) deviceLocation(ctx context.Context, ctrl powerwall.Controller, siteID string, forecast []types.PriceInterval) *time.Location {
	if tz, err := ctrl.GetTimeZone(ctx, siteID); err == nil {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
		log.Ctx(ctx).WarnContext(ctx, "unknown device timezone", slog.String("tz", tz))
	} else {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch device timezone", slog.Any("error", err))
	}
	if len(forecast) > 0 {
		return forecast[0].NemTime.Location()
	}
	return time.UTC
}

// SavePriceHistory appends the current interval pair of every sync-enabled
// user to the price history sink.
func (e *Engine) SavePriceHistory(ctx context.Context) {
	e.forEachUser(ctx, func(ctx context.Context, email string) error {
		return e.withUser(ctx, email, func(ctx context.Context, u *userState) error {
			if !u.policy.SyncEnabled {
				return nil
			}
			src, siteID, err := e.amberSource(u)
			if err != nil {
				return err
			}
			prices, err := src.GetCurrentPrices(ctx, siteID)
			if err != nil {
				return err
			}
			for _, p := range prices {
				if err := e.db.UpsertPrice(ctx, u.email, p); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// SaveEnergyUsage appends a power-flow snapshot of every configured site to
// the energy history sink.
func (e *Engine) SaveEnergyUsage(ctx context.Context) {
	e.forEachUser(ctx, func(ctx context.Context, email string) error {
		return e.withUser(ctx, email, func(ctx context.Context, u *userState) error {
			ctrl, siteID, err := e.deviceController(u)
			if err != nil {
				return err
			}
			status, err := ctrl.GetSiteStatus(ctx, siteID)
			if err != nil {
				return err
			}
			return e.db.UpsertEnergySample(ctx, u.email, types.EnergySample{
				Timestamp:         time.Now(),
				BatteryPowerW:     status.BatteryPowerW,
				SolarPowerW:       status.SolarPowerW,
				LoadPowerW:        status.LoadPowerW,
				GridPowerW:        status.GridPowerW,
				PercentageCharged: status.PercentageCharged,
			})
		})
	})
}
