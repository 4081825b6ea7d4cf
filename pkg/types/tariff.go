package types

import "time"

// SeasonAll is the season name the device requires as a catch-all entry.
const SeasonAll = "ALL"

// DailyCharge is a fixed daily fee on a tariff.
type DailyCharge struct {
	Name   string  `json:"name"`
	Amount float64 `json:"amount,omitempty"`
}

// ChargeGroup holds per-bucket rates for one season. Buy and sell rates are
// in dollars per kWh, demand rates in dollars per kW. A nil Rates map
// serializes as an empty object, which the device expects for unused seasons.
type ChargeGroup struct {
	Rates map[string]float64 `json:"rates,omitempty"`
}

// TOUWindow is a single clock-time range within a TOU period. The device
// rejects zero-valued fields it considers redundant, so everything except
// ToDayOfWeek is omitted when zero.
type TOUWindow struct {
	FromDayOfWeek int `json:"fromDayOfWeek,omitempty"`
	ToDayOfWeek   int `json:"toDayOfWeek"`
	FromHour      int `json:"fromHour,omitempty"`
	FromMinute    int `json:"fromMinute,omitempty"`
	ToHour        int `json:"toHour,omitempty"`
	ToMinute      int `json:"toMinute,omitempty"`
}

// TOUPeriodSet is the list of windows making up one named TOU period.
type TOUPeriodSet struct {
	Periods []TOUWindow `json:"periods"`
}

// Season bounds a set of TOU periods to a date range. The single year-round
// season uses fromMonth 1 through toMonth 12; the unused season carries all
// zeros and an empty (but present) tou_periods object.
type Season struct {
	FromDay    int                     `json:"fromDay"`
	ToDay      int                     `json:"toDay"`
	FromMonth  int                     `json:"fromMonth"`
	ToMonth    int                     `json:"toMonth"`
	TOUPeriods map[string]TOUPeriodSet `json:"tou_periods"`
}

// TariffContent is the device-native rate plan shape. The same shape is used
// for the buy side and, nested under sell_tariff, for the sell side.
type TariffContent struct {
	Version       int                    `json:"version"`
	Code          string                 `json:"code"`
	Name          string                 `json:"name"`
	Utility       string                 `json:"utility"`
	Currency      string                 `json:"currency"`
	DailyCharges  []DailyCharge          `json:"daily_charges"`
	DemandCharges map[string]ChargeGroup `json:"demand_charges"`
	EnergyCharges map[string]ChargeGroup `json:"energy_charges"`
	Seasons       map[string]Season      `json:"seasons"`
}

// TariffDocument is a complete device tariff: buy-side content plus an
// optional mirrored sell side.
type TariffDocument struct {
	TariffContent
	SellTariff *TariffContent `json:"sell_tariff,omitempty"`
}

// BuyRates returns the buy-side energy rates for the active season, or nil.
func (d *TariffDocument) BuyRates(season string) map[string]float64 {
	if g, ok := d.EnergyCharges[season]; ok {
		return g.Rates
	}
	return nil
}

// SellRates returns the sell-side energy rates for the active season, or nil.
func (d *TariffDocument) SellRates(season string) map[string]float64 {
	if d.SellTariff == nil {
		return nil
	}
	if g, ok := d.SellTariff.EnergyCharges[season]; ok {
		return g.Rates
	}
	return nil
}

// SavedTariff is an immutable snapshot of a previously-fetched device tariff.
// The default snapshot is the restore target after a price spike ends.
type SavedTariff struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	Tariff    TariffDocument `json:"tariff"`
	IsDefault bool           `json:"isDefault"`
	CreatedAt time.Time      `json:"createdAt"`
}
