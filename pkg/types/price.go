package types

import (
	"fmt"
	"time"
)

// ChannelType identifies the direction of a price interval.
type ChannelType string

const (
	ChannelGeneral ChannelType = "general"
	ChannelFeedIn  ChannelType = "feedIn"
)

// IntervalKind identifies the temporal kind of a price interval.
type IntervalKind string

const (
	KindActual   IntervalKind = "ActualInterval"
	KindCurrent  IntervalKind = "CurrentInterval"
	KindForecast IntervalKind = "ForecastInterval"
)

// ForecastType selects which channel of an AdvancedPrice to use when
// building a tariff.
type ForecastType string

const (
	ForecastPredicted ForecastType = "predicted"
	ForecastLow       ForecastType = "low"
	ForecastHigh      ForecastType = "high"
)

// Valid returns whether the forecast type is one of the known values.
func (f ForecastType) Valid() bool {
	switch f {
	case ForecastPredicted, ForecastLow, ForecastHigh:
		return true
	}
	return false
}

// AdvancedPrice is the retail-complete forecast triple attached to forecast
// intervals and the opening minutes of current intervals. Values are in
// cents per kWh.
type AdvancedPrice struct {
	Predicted float64 `json:"predicted"`
	Low       float64 `json:"low"`
	High      float64 `json:"high"`
}

// For returns the value for the given forecast type, defaulting to the
// predicted value when the type is unknown.
func (a AdvancedPrice) For(f ForecastType) float64 {
	switch f {
	case ForecastLow:
		return a.Low
	case ForecastHigh:
		return a.High
	}
	return a.Predicted
}

// PriceInterval is one market sample for a single channel. NemTime is the
// end of the interval. PerKWH is in cents per kWh; feedIn values are negated
// on ingest so a positive value always means the consumer is credited.
type PriceInterval struct {
	NemTime       time.Time      `json:"nemTime"`
	Duration      int            `json:"duration"`
	ChannelType   ChannelType    `json:"channelType"`
	Kind          IntervalKind   `json:"type"`
	PerKWH        float64        `json:"perKwh"`
	SpotPerKWH    float64        `json:"spotPerKwh,omitempty"`
	SpikeStatus   string         `json:"spikeStatus,omitempty"`
	AdvancedPrice *AdvancedPrice `json:"advancedPrice,omitempty"`
}

// Start returns the beginning of the interval.
func (p PriceInterval) Start() time.Time {
	return p.NemTime.Add(-time.Duration(p.Duration) * time.Minute)
}

// PeriodKey identifies one of the 48 half-hour buckets of a civil day.
// Key 0 is midnight, key 47 is 23:30.
type PeriodKey int

// NumPeriodKeys is the number of half-hour buckets in a civil day.
const NumPeriodKeys = 48

// PeriodKeyAt returns the bucket covering the given time, read in that
// time's location.
func PeriodKeyAt(t time.Time) PeriodKey {
	k := t.Hour() * 2
	if t.Minute() >= 30 {
		k++
	}
	return PeriodKey(k)
}

// Valid returns whether the key is in [0,48).
func (k PeriodKey) Valid() bool {
	return k >= 0 && k < NumPeriodKeys
}

// Hour returns the starting hour of the bucket.
func (k PeriodKey) Hour() int {
	return int(k) / 2
}

// Minute returns the starting minute of the bucket, 0 or 30.
func (k PeriodKey) Minute() int {
	return (int(k) % 2) * 30
}

// String formats the key as PERIOD_HH_MM.
func (k PeriodKey) String() string {
	return fmt.Sprintf("PERIOD_%02d_%02d", k.Hour(), k.Minute())
}

// AllPeriodKeys returns the 48 keys in ascending order.
func AllPeriodKeys() []PeriodKey {
	keys := make([]PeriodKey, NumPeriodKeys)
	for i := range keys {
		keys[i] = PeriodKey(i)
	}
	return keys
}
