package engine

import (
	"context"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"
)

// RunDemand enforces the peak-demand grid-charging lockout for every user
// with demand charges configured. During the peak window the battery must not
// charge from the grid, since any grid draw there sets the billed demand peak.
func (e *Engine) RunDemand(ctx context.Context) {
	e.forEachUser(ctx, func(ctx context.Context, email string) error {
		return e.withUser(ctx, email, func(ctx context.Context, u *userState) error {
			return e.demandUser(ctx, u)
		})
	})
}

func (e *Engine) demandUser(ctx context.Context, u *userState) error {
	if !u.policy.Demand.Enabled || u.policy.Demand.Peak.IsZero() {
		return nil
	}

	ctrl, siteID, err := e.deviceController(u)
	if err != nil {
		return err
	}

	loc := e.deviceLocation(ctx, ctrl, siteID, nil)
	inPeak := u.policy.Demand.InPeakWindow(time.Now().In(loc))

	if inPeak == u.policy.GridChargingDisabledForDemand {
		return nil
	}

	if err := ctrl.SetGridChargingEnabled(ctx, siteID, !inPeak); err != nil {
		return err
	}
	if inPeak {
		log.Ctx(ctx).InfoContext(ctx, "disabled grid charging for demand peak window")
	} else {
		log.Ctx(ctx).InfoContext(ctx, "re-enabled grid charging after demand peak window")
	}
	u.policy.GridChargingDisabledForDemand = inPeak
	u.dirty = true
	return nil
}
