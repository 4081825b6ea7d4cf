package tariff

import (
	"testing"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSpike(t *testing.T) {
	loc := sydney(t)
	now := time.Date(2024, 1, 15, 15, 7, 0, 0, loc)

	// 350.5 $/MWh == 35.05 c/kWh
	doc := BuildSpike(types.UserPolicy{}, 35.05, loc, now, 3)

	buy := doc.BuyRates("Summer")
	sell := doc.SellRates("Summer")
	require.Len(t, buy, 48)
	require.Len(t, sell, 48)

	// the current bucket and the next three carry the spike rate
	for _, k := range []string{"PERIOD_15_00", "PERIOD_15_30", "PERIOD_16_00", "PERIOD_16_30"} {
		assert.Equal(t, 1.0515, sell[k], k)
		assert.Equal(t, 1.0515, buy[k], "buy raised so export never pays more than import")
	}

	// everything else keeps retail defaults
	assert.Equal(t, 0.08, sell["PERIOD_17_00"])
	assert.Equal(t, 0.3, buy["PERIOD_17_00"])
	assert.Equal(t, 0.08, sell["PERIOD_14_30"])

	for _, k := range types.AllPeriodKeys() {
		assert.LessOrEqual(t, sell[k.String()], buy[k.String()], k.String())
	}
}

func TestBuildSpikeWrapsMidnight(t *testing.T) {
	loc := sydney(t)
	now := time.Date(2024, 1, 15, 23, 40, 0, 0, loc)

	doc := BuildSpike(types.UserPolicy{}, 40, loc, now, 0)

	sell := doc.SellRates("Summer")
	// default multiplier of 3 on 40c
	assert.Equal(t, 1.2, sell["PERIOD_23_30"])
	assert.Equal(t, 1.2, sell["PERIOD_00_00"])
	assert.Equal(t, 1.2, sell["PERIOD_00_30"])
	assert.Equal(t, 1.2, sell["PERIOD_01_00"])
	assert.Equal(t, 0.08, sell["PERIOD_01_30"])
	assert.Equal(t, 0.08, sell["PERIOD_23_00"])
}

func TestBuildSpikeLowWholesale(t *testing.T) {
	loc := sydney(t)
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, loc)

	// a small spike rate must not drop buy below the default
	doc := BuildSpike(types.UserPolicy{}, 5, loc, now, 3)
	assert.Equal(t, 0.15, doc.SellRates("Summer")["PERIOD_12_00"])
	assert.Equal(t, 0.3, doc.BuyRates("Summer")["PERIOD_12_00"])
}
