// Package tariff builds device-native TOU tariffs from price forecasts.
package tariff

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/types"
)

const (
	planCode    = "AMBER_DYNAMIC"
	planName    = "Amber Dynamic TOU"
	planUtility = "Amber Electric"
	currency    = "AUD"

	// MaxMissingBuckets is how many of the 96 buy+sell cells may be unfilled
	// after the rolling-window fallback before the build is abandoned.
	MaxMissingBuckets = 10
)

// InsufficientDataError is returned when too many buckets remain unfilled.
// Callers must not publish and must keep the device's last-good tariff.
type InsufficientDataError struct {
	Missing int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%d of %d tariff buckets missing, refusing to build", e.Missing, 2*types.NumPeriodKeys)
}

// BuildInput is everything a tariff build needs. Prices must already be
// sign-normalized so positive feed-in means the consumer is credited.
type BuildInput struct {
	// Forecast holds 30-minute intervals covering roughly the next 48 hours
	// for both channels.
	Forecast []types.PriceInterval

	// Current optionally holds the in-progress 5-minute sample pair. When
	// present it overrides the current bucket so short spikes are not
	// smoothed away by the 30-minute mean.
	Current []types.PriceInterval

	Policy types.UserPolicy

	// Location is the device's installation timezone.
	Location *time.Location

	Now time.Time
}

// Build assembles a rolling 24-hour tariff. Buckets earlier than the current
// civil time read tomorrow's forecast so the device always sees a full day
// ahead.
func Build(ctx context.Context, in BuildInput) (*types.TariffDocument, error) {
	loc := in.Location
	if loc == nil {
		return nil, fmt.Errorf("build requires a location")
	}
	now := in.Now.In(loc)
	ft := in.Policy.ForecastType
	if !ft.Valid() {
		ft = types.ForecastPredicted
	}

	buyDays := aggregate(in.Forecast, types.ChannelGeneral, ft, loc)
	sellDays := aggregate(in.Forecast, types.ChannelFeedIn, ft, loc)

	currentKey := types.PeriodKeyAt(now)
	today := now.Format(time.DateOnly)
	tomorrow := now.AddDate(0, 0, 1).Format(time.DateOnly)

	buy, buyPresent := assembleWindow(buyDays, currentKey, today, tomorrow)
	sell, sellPresent := assembleWindow(sellDays, currentKey, today, tomorrow)

	missing := countMissing(buyPresent) + countMissing(sellPresent)
	if missing > MaxMissingBuckets {
		return nil, &InsufficientDataError{Missing: missing}
	}
	fillMissing(&buy, buyPresent)
	fillMissing(&sell, sellPresent)

	// sub-30-minute override for the in-progress period
	for _, p := range in.Current {
		v := round4(math.Max(0, p.PerKWH) / 100)
		switch p.ChannelType {
		case types.ChannelGeneral:
			buy[currentKey] = v
		case types.ChannelFeedIn:
			sell[currentKey] = v
		}
	}

	adjustments := 0
	for k := range buy {
		if buy[k] < 0 {
			log.Ctx(ctx).DebugContext(ctx, "clamped negative buy rate",
				slog.String("bucket", types.PeriodKey(k).String()), slog.Float64("rate", buy[k]))
			buy[k] = 0
			adjustments++
		}
		if sell[k] < 0 {
			log.Ctx(ctx).DebugContext(ctx, "clamped negative sell rate",
				slog.String("bucket", types.PeriodKey(k).String()), slog.Float64("rate", sell[k]))
			sell[k] = 0
			adjustments++
		}
		if sell[k] > buy[k] {
			log.Ctx(ctx).DebugContext(ctx, "clamped sell rate above buy",
				slog.String("bucket", types.PeriodKey(k).String()),
				slog.Float64("sell", sell[k]), slog.Float64("buy", buy[k]))
			sell[k] = buy[k]
			adjustments++
		}
	}

	doc := assembleDocument(buy, sell, in.Policy)

	validate(ctx, buy, sell, missing, adjustments)
	return doc, nil
}

// aggregate buckets every usable interval of one channel by civil date and
// half-hour, averaging multiple samples per bucket. Values come out in
// dollars per kWh.
func aggregate(intervals []types.PriceInterval, channel types.ChannelType, ft types.ForecastType, loc *time.Location) map[string]*[types.NumPeriodKeys]bucketAgg {
	days := make(map[string]*[types.NumPeriodKeys]bucketAgg)
	for _, p := range intervals {
		if p.ChannelType != channel {
			continue
		}
		var cents float64
		switch p.Kind {
		case types.KindForecast:
			// a far-future forecast without a retail-complete price is
			// expected and skipped
			if p.AdvancedPrice == nil {
				continue
			}
			cents = p.AdvancedPrice.For(ft)
		case types.KindCurrent:
			if p.AdvancedPrice != nil {
				cents = p.AdvancedPrice.For(ft)
			} else {
				cents = p.PerKWH
			}
		case types.KindActual:
			cents = p.PerKWH
		default:
			continue
		}

		// the upstream timestamps the end of the interval
		start := p.Start().In(loc)
		date := start.Format(time.DateOnly)
		key := types.PeriodKeyAt(start)

		day := days[date]
		if day == nil {
			day = &[types.NumPeriodKeys]bucketAgg{}
			days[date] = day
		}
		day[key].sum += cents / 100
		day[key].n++
	}
	return days
}

type bucketAgg struct {
	sum float64
	n   int
}

func (b bucketAgg) mean() float64 {
	return b.sum / float64(b.n)
}

// assembleWindow builds the 48 bucket values using the rolling-window rule:
// buckets strictly before the current one read tomorrow, falling back to
// today, and everything else reads today.
func assembleWindow(days map[string]*[types.NumPeriodKeys]bucketAgg, currentKey types.PeriodKey, today, tomorrow string) ([types.NumPeriodKeys]float64, [types.NumPeriodKeys]bool) {
	var rates [types.NumPeriodKeys]float64
	var present [types.NumPeriodKeys]bool
	for k := 0; k < types.NumPeriodKeys; k++ {
		var agg bucketAgg
		if types.PeriodKey(k) < currentKey {
			if day := days[tomorrow]; day != nil && day[k].n > 0 {
				agg = day[k]
			} else if day := days[today]; day != nil && day[k].n > 0 {
				agg = day[k]
			}
		} else if day := days[today]; day != nil && day[k].n > 0 {
			agg = day[k]
		}
		if agg.n > 0 {
			rates[k] = round4(agg.mean())
			present[k] = true
		}
	}
	return rates, present
}

func countMissing(present [types.NumPeriodKeys]bool) int {
	missing := 0
	for _, ok := range present {
		if !ok {
			missing++
		}
	}
	return missing
}

// fillMissing patches the few tolerated gaps with the channel average so the
// document still covers all 48 buckets.
func fillMissing(rates *[types.NumPeriodKeys]float64, present [types.NumPeriodKeys]bool) {
	var sum float64
	var n int
	for k, ok := range present {
		if ok {
			sum += rates[k]
			n++
		}
	}
	if n == 0 {
		return
	}
	avg := round4(sum / float64(n))
	for k, ok := range present {
		if !ok {
			rates[k] = avg
		}
	}
}

// assembleDocument lays the rates out in the device wire format.
func assembleDocument(buy, sell [types.NumPeriodKeys]float64, policy types.UserPolicy) *types.TariffDocument {
	buyRates := make(map[string]float64, types.NumPeriodKeys)
	sellRates := make(map[string]float64, types.NumPeriodKeys)
	for k := 0; k < types.NumPeriodKeys; k++ {
		name := types.PeriodKey(k).String()
		buyRates[name] = buy[k]
		sellRates[name] = sell[k]
	}

	buyDemand, sellDemand := demandRates(policy)

	doc := &types.TariffDocument{
		TariffContent: content(buyRates, buyDemand, policy),
	}
	sellContent := content(sellRates, sellDemand, policy)
	doc.SellTariff = &sellContent
	return doc
}

// demandRates builds the per-bucket demand tables for each side of the
// tariff, or nil when demand charges are disabled for that side.
func demandRates(policy types.UserPolicy) (buy, sell map[string]float64) {
	d := policy.Demand
	if !d.Enabled {
		return nil, nil
	}

	rates := make(map[string]float64, types.NumPeriodKeys)
	for _, k := range types.AllPeriodKeys() {
		rate := d.OffPeakDollarsPerKW
		if d.Peak.Contains(k.Hour(), k.Minute()) {
			rate = d.PeakDollarsPerKW
		} else if d.Shoulder.Contains(k.Hour(), k.Minute()) {
			rate = d.ShoulderDollarsPerKW
		}
		rates[k.String()] = rate
	}

	switch d.AppliesTo {
	case types.DemandBuy:
		return rates, nil
	case types.DemandSell:
		return nil, rates
	default:
		return rates, rates
	}
}

func content(rates, demand map[string]float64, policy types.UserPolicy) types.TariffContent {
	c := types.TariffContent{
		Version:  1,
		Code:     planCode,
		Name:     planName,
		Utility:  planUtility,
		Currency: currency,
		DemandCharges: map[string]types.ChargeGroup{
			types.SeasonAll: {Rates: map[string]float64{types.SeasonAll: 0}},
			"Summer":        {},
			"Winter":        {},
		},
		EnergyCharges: map[string]types.ChargeGroup{
			types.SeasonAll: {Rates: map[string]float64{types.SeasonAll: 0}},
			"Summer":        {Rates: rates},
			"Winter":        {},
		},
		Seasons: map[string]types.Season{
			"Summer": {
				FromMonth: 1, FromDay: 1,
				ToMonth: 12, ToDay: 31,
				TOUPeriods: touPeriods(),
			},
			"Winter": {TOUPeriods: map[string]types.TOUPeriodSet{}},
		},
	}
	if demand != nil {
		c.DemandCharges["Summer"] = types.ChargeGroup{Rates: demand}
	}
	if policy.Demand.Enabled && policy.Demand.DailySupplyDollars > 0 {
		c.DailyCharges = []types.DailyCharge{{Name: "Daily Supply Charge", Amount: policy.Demand.DailySupplyDollars}}
	} else {
		c.DailyCharges = []types.DailyCharge{{Name: "Charge"}}
	}
	return c
}

// touPeriods emits one window per bucket covering exactly that half hour, so
// the period set tiles the day with no gaps or overlaps.
func touPeriods() map[string]types.TOUPeriodSet {
	periods := make(map[string]types.TOUPeriodSet, types.NumPeriodKeys)
	for _, k := range types.AllPeriodKeys() {
		toHour := k.Hour()
		toMinute := k.Minute() + 30
		if toMinute == 60 {
			toHour++
			toMinute = 0
		}
		if toHour == 24 {
			toHour = 0
		}
		periods[k.String()] = types.TOUPeriodSet{
			Periods: []types.TOUWindow{{
				ToDayOfWeek: 6,
				FromHour:    k.Hour(),
				FromMinute:  k.Minute(),
				ToHour:      toHour,
				ToMinute:    toMinute,
			}},
		}
	}
	return periods
}

// validate double-checks the restrictions the clamps should have made
// impossible and logs summary statistics. Failures are warnings only.
func validate(ctx context.Context, buy, sell [types.NumPeriodKeys]float64, missing, adjustments int) {
	valid := true
	var buyStats, sellStats, marginStats stats
	for k := 0; k < types.NumPeriodKeys; k++ {
		if buy[k] < 0 || sell[k] < 0 || sell[k] > buy[k] {
			valid = false
			log.Ctx(ctx).WarnContext(ctx, "tariff bucket failed validation",
				slog.String("bucket", types.PeriodKey(k).String()),
				slog.Float64("buy", buy[k]), slog.Float64("sell", sell[k]))
		}
		buyStats.add(buy[k])
		sellStats.add(sell[k])
		marginStats.add(buy[k] - sell[k])
	}
	log.Ctx(ctx).InfoContext(ctx, "built tariff",
		slog.Bool("valid", valid),
		slog.Int("missingBuckets", missing),
		slog.Int("adjustments", adjustments),
		slog.Group("buy", slog.Float64("min", buyStats.min), slog.Float64("max", buyStats.max), slog.Float64("avg", buyStats.avg())),
		slog.Group("sell", slog.Float64("min", sellStats.min), slog.Float64("max", sellStats.max), slog.Float64("avg", sellStats.avg())),
		slog.Group("margin", slog.Float64("min", marginStats.min), slog.Float64("max", marginStats.max), slog.Float64("avg", marginStats.avg())),
	)
}

type stats struct {
	min, max, sum float64
	n             int
}

func (s *stats) add(v float64) {
	if s.n == 0 || v < s.min {
		s.min = v
	}
	if s.n == 0 || v > s.max {
		s.max = v
	}
	s.sum += v
	s.n++
}

func (s *stats) avg() float64 {
	if s.n == 0 {
		return 0
	}
	return s.sum / float64(s.n)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
