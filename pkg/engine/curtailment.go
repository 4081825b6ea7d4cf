package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/types"
)

// RunCurtailment evaluates solar export curtailment for every user. When
// prices is non-nil (a push payload) the feed-in rate is taken from it,
// otherwise each user's current prices are fetched.
func (e *Engine) RunCurtailment(ctx context.Context, prices []types.PriceInterval) {
	e.forEachUser(ctx, func(ctx context.Context, email string) error {
		return e.withUser(ctx, email, func(ctx context.Context, u *userState) error {
			return e.curtailUser(ctx, u, prices)
		})
	})
}

func (e *Engine) curtailUser(ctx context.Context, u *userState, prices []types.PriceInterval) error {
	if !u.policy.SolarCurtailmentEnabled {
		return nil
	}
	// spike mode wants exports flowing, leave the rule alone
	if u.policy.InSpikeMode {
		return nil
	}

	ctrl, siteID, err := e.deviceController(u)
	if err != nil {
		return err
	}

	if prices == nil {
		src, amberSiteID, err := e.amberSource(u)
		if err != nil {
			return err
		}
		prices, err = src.GetCurrentPrices(ctx, amberSiteID)
		if err != nil {
			return err
		}
	}

	earnings, ok := currentFeedInCents(prices)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "no feed-in price available, skipping curtailment")
		return nil
	}

	rule := e.currentExportRule(ctx, u, ctrl, siteID)

	want := rule
	if earnings < e.curtailThresholdCents {
		want = types.ExportNever
	} else if rule == types.ExportNever {
		// only restore from a curtailment we (or the user) can safely undo
		want = types.ExportBatteryOK
	}

	if want == rule {
		if u.policy.CurrentExportRule != rule {
			u.policy.CurrentExportRule = rule
			u.policy.ExportRuleUpdatedAt = time.Now()
			u.dirty = true
		}
		return nil
	}

	log.Ctx(ctx).InfoContext(ctx, "changing export rule",
		slog.String("from", string(rule)),
		slog.String("to", string(want)),
		slog.Float64("feedInCents", earnings))
	if err := ctrl.SetGridExportRule(ctx, siteID, want); err != nil {
		return err
	}
	u.policy.CurrentExportRule = want
	u.policy.ExportRuleUpdatedAt = time.Now()
	u.dirty = true
	return nil
}

// currentExportRule reads the device's export rule, deriving it from the VPP
// non-export flag on firmwares that omit the rule, and falling back to the
// cached value when the device reports nothing at all.
func (e *Engine) currentExportRule(ctx context.Context, u *userState, ctrl powerwall.Controller, siteID string) types.ExportRule {
	rule, reported, err := ctrl.GetGridExportRule(ctx, siteID)
	if err == nil && reported {
		return rule
	}
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read export rule, using cached value", slog.Any("error", err))
	}
	if u.policy.CurrentExportRule != "" {
		return u.policy.CurrentExportRule
	}
	return types.ExportBatteryOK
}

// currentFeedInCents returns the feed-in earnings (c/kWh, positive means the
// user is paid) from the interval pair covering now.
func currentFeedInCents(prices []types.PriceInterval) (float64, bool) {
	for _, p := range prices {
		if p.ChannelType == types.ChannelFeedIn && p.Kind == types.KindCurrent {
			return p.PerKWH, true
		}
	}
	// push frames occasionally carry only actuals around interval rollover
	for _, p := range prices {
		if p.ChannelType == types.ChannelFeedIn {
			return p.PerKWH, true
		}
	}
	return 0, false
}
