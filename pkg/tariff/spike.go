package tariff

import (
	"math"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"
)

const (
	// DefaultSpikeMultiplier scales the current wholesale price into the
	// spike sell rate. Empirically tuned; override via configuration.
	DefaultSpikeMultiplier = 3

	// spikeWindowBuckets is how many half-hour buckets carry the spike rate,
	// starting at the current one.
	spikeWindowBuckets = 4

	// typical retail defaults for the buckets outside the spike window
	defaultBuyDollars  = 0.30
	defaultSellDollars = 0.08
)

// BuildSpike constructs a short-window export tariff: the current bucket and
// the next three half hours carry a sell rate of multiplier times the
// wholesale price, creating urgency to discharge without committing to a
// long window. All other buckets carry typical retail defaults.
func BuildSpike(policy types.UserPolicy, wholesaleCentsPerKWH float64, loc *time.Location, now time.Time, multiplier float64) *types.TariffDocument {
	if multiplier <= 0 {
		multiplier = DefaultSpikeMultiplier
	}
	spikeSell := round4(multiplier * wholesaleCentsPerKWH / 100)
	// the device rejects export paying more than import
	spikeBuy := math.Max(defaultBuyDollars, spikeSell)

	currentKey := types.PeriodKeyAt(now.In(loc))

	var buy, sell [types.NumPeriodKeys]float64
	for k := 0; k < types.NumPeriodKeys; k++ {
		buy[k] = defaultBuyDollars
		sell[k] = defaultSellDollars
	}
	for i := 0; i < spikeWindowBuckets; i++ {
		k := (int(currentKey) + i) % types.NumPeriodKeys
		buy[k] = spikeBuy
		sell[k] = spikeSell
	}

	return assembleDocument(buy, sell, policy)
}
