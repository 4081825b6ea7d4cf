package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/tariff"
	"github.com/tariffpilot/tariffpilot/pkg/types"
)

// batteryExportFloorW is the battery-to-grid flow above which a spike entry
// skips the tariff cycle: the device is already discharging to the grid.
const batteryExportFloorW = 100

// RunSpike checks the wholesale market for every spike-enabled user and
// enters or exits spike export mode on threshold crossings.
func (e *Engine) RunSpike(ctx context.Context) {
	e.forEachUser(ctx, func(ctx context.Context, email string) error {
		return e.withUser(ctx, email, func(ctx context.Context, u *userState) error {
			return e.spikeUser(ctx, u)
		})
	})
}

func (e *Engine) spikeUser(ctx context.Context, u *userState) error {
	if !u.policy.SpikeEnabled {
		return nil
	}
	if u.policy.SyncEnabled {
		// the 5-minute sync would immediately overwrite a spike tariff
		log.Ctx(ctx).WarnContext(ctx, "spike mode and tariff sync are both enabled, skipping spike check")
		return nil
	}
	region := u.policy.SpikeRegion
	if region == "" {
		return fmt.Errorf("%w: no spike region", errConfigMissing)
	}

	summary, err := e.aemo.GetRegionPrice(ctx, region)
	if err != nil {
		return fmt.Errorf("failed to fetch wholesale price: %w", err)
	}
	u.policy.AEMOLastCheck = time.Now()
	u.policy.AEMOLastPrice = summary.Price
	u.dirty = true

	above := summary.Price >= u.policy.SpikeThresholdDollarsPerMWH

	switch {
	case above && !u.policy.InSpikeMode:
		log.Ctx(ctx).InfoContext(ctx, "wholesale price spike detected",
			slog.Float64("price", summary.Price),
			slog.Float64("threshold", u.policy.SpikeThresholdDollarsPerMWH))
		return e.enterSpike(ctx, u, summary.CentsPerKWH())
	case !above && u.policy.InSpikeMode:
		if u.policy.SpikeTestMode {
			// test mode pins an active spike open so the full exit sequence
			// can be exercised on demand by clearing the flag
			log.Ctx(ctx).InfoContext(ctx, "test mode holding spike export open",
				slog.Float64("price", summary.Price))
			return nil
		}
		log.Ctx(ctx).InfoContext(ctx, "wholesale price spike over",
			slog.Float64("price", summary.Price),
			slog.Duration("duration", time.Since(u.policy.SpikeStartTime)))
		return e.exitSpike(ctx, u)
	case !above:
		e.warnForecastSpike(ctx, u, region)
	}
	return nil
}

// warnForecastSpike surfaces upcoming threshold crossings from the 48-hour
// pre-dispatch forecast so operators can see a spike coming. Forecast
// failures never block the live check.
func (e *Engine) warnForecastSpike(ctx context.Context, u *userState, region string) {
	forecast, err := e.aemo.GetPredispatch(ctx, region)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "predispatch unavailable", slog.Any("error", err))
		return
	}
	horizon := time.Now().Add(2 * time.Hour)
	for _, p := range forecast {
		if p.PeriodEnd.After(horizon) {
			break
		}
		if p.DollarsPerMWH > u.policy.SpikeThresholdDollarsPerMWH {
			log.Ctx(ctx).InfoContext(ctx, "wholesale spike forecast ahead",
				slog.Time("periodEnd", p.PeriodEnd),
				slog.Float64("forecastPrice", p.DollarsPerMWH))
			return
		}
	}
}

// enterSpike snapshots the device's tariff and mode, then programs a
// short-window export tariff and cycles the operation mode so the device
// picks it up immediately.
func (e *Engine) enterSpike(ctx context.Context, u *userState, wholesaleCents float64) error {
	ctrl, siteID, err := e.deviceController(u)
	if err != nil {
		return err
	}

	status, err := ctrl.GetSiteStatus(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to read site status: %w", err)
	}
	if status.BatteryExportW() > batteryExportFloorW {
		// already discharging to the grid, nothing to force; still snapshot so
		// the exit has a tariff to restore
		log.Ctx(ctx).InfoContext(ctx, "battery already exporting, entering spike mode without tariff cycle",
			slog.Float64("batteryExportW", status.BatteryExportW()))
		if err := e.snapshotTariff(ctx, u, ctrl, siteID); err != nil {
			return err
		}
		u.policy.InSpikeMode = true
		u.policy.SpikeStartTime = time.Now()
		u.dirty = true
		return nil
	}

	if err := e.snapshotTariff(ctx, u, ctrl, siteID); err != nil {
		return err
	}

	mode, err := ctrl.GetOperationMode(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to read operation mode: %w", err)
	}
	u.policy.PreSpikeOperationMode = mode
	u.dirty = true
	if mode != types.ModeAutonomous {
		if err := ctrl.SetOperationMode(ctx, siteID, types.ModeAutonomous); err != nil {
			return fmt.Errorf("failed to set autonomous mode: %w", err)
		}
	}

	loc := e.deviceLocation(ctx, ctrl, siteID, nil)
	doc := tariff.BuildSpike(u.policy, wholesaleCents, loc, time.Now(), e.spikeMultiplier)
	if err := ctrl.SetTariff(ctx, siteID, doc); err != nil {
		return fmt.Errorf("failed to publish spike tariff: %w", err)
	}

	// flip out of and back into autonomous so the device re-plans against the
	// new tariff instead of waiting for its next scheduled pass
	if err := ctrl.SetOperationMode(ctx, siteID, types.ModeSelfConsumption); err != nil {
		return fmt.Errorf("failed to cycle operation mode: %w", err)
	}
	e.sleep(ctx, e.spikeRefreshWait)
	if err := ctrl.SetOperationMode(ctx, siteID, types.ModeAutonomous); err != nil {
		return fmt.Errorf("failed to restore autonomous mode: %w", err)
	}

	u.policy.InSpikeMode = true
	u.policy.SpikeStartTime = time.Now()
	u.dirty = true
	log.Ctx(ctx).InfoContext(ctx, "entered spike export mode")
	return nil
}

// exitSpike restores the snapshotted tariff and the pre-spike operation mode.
func (e *Engine) exitSpike(ctx context.Context, u *userState) error {
	ctrl, siteID, err := e.deviceController(u)
	if err != nil {
		return err
	}

	if u.policy.SavedTariffID != "" {
		saved, err := e.db.GetSavedTariff(ctx, u.email, u.policy.SavedTariffID)
		if err != nil {
			return fmt.Errorf("failed to load saved tariff: %w", err)
		}
		if err := ctrl.SetOperationMode(ctx, siteID, types.ModeSelfConsumption); err != nil {
			return fmt.Errorf("failed to set self consumption: %w", err)
		}
		if err := ctrl.SetTariff(ctx, siteID, &saved.Tariff); err != nil {
			return fmt.Errorf("failed to restore saved tariff: %w", err)
		}
		e.sleep(ctx, e.spikeRestoreWait)
	} else {
		log.Ctx(ctx).WarnContext(ctx, "no saved tariff to restore")
	}

	restoreMode := u.policy.PreSpikeOperationMode
	if restoreMode == "" {
		restoreMode = types.ModeAutonomous
	}
	if err := ctrl.SetOperationMode(ctx, siteID, restoreMode); err != nil {
		return fmt.Errorf("failed to restore operation mode: %w", err)
	}

	u.policy.InSpikeMode = false
	u.policy.SpikeStartTime = time.Time{}
	u.policy.PreSpikeOperationMode = ""
	u.dirty = true
	log.Ctx(ctx).InfoContext(ctx, "exited spike export mode")
	return nil
}

// snapshotTariff makes sure a restorable tariff snapshot exists, capturing
// the device's current tariff as the default when the user has none.
func (e *Engine) snapshotTariff(ctx context.Context, u *userState, ctrl powerwall.Controller, siteID string) error {
	if u.policy.SavedTariffID != "" {
		if _, err := e.db.GetSavedTariff(ctx, u.email, u.policy.SavedTariffID); err == nil {
			return nil
		}
		log.Ctx(ctx).WarnContext(ctx, "saved tariff missing, re-snapshotting",
			slog.String("savedTariffID", u.policy.SavedTariffID))
	}

	if def, err := e.db.GetDefaultSavedTariff(ctx, u.email); err != nil {
		return fmt.Errorf("failed to query default saved tariff: %w", err)
	} else if def != nil {
		u.policy.SavedTariffID = def.ID
		u.dirty = true
		return nil
	}

	current, err := ctrl.GetCurrentTariff(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to read current tariff: %w", err)
	}
	if current == nil {
		return fmt.Errorf("device has no tariff to snapshot")
	}
	id, err := e.db.SaveTariff(ctx, types.SavedTariff{
		Email:     u.email,
		Tariff:    *current,
		IsDefault: true,
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot tariff: %w", err)
	}
	u.policy.SavedTariffID = id
	u.dirty = true
	return nil
}
