package types

import "time"

// EnergySample is one snapshot of the site's power flow appended to the
// energy history sink. Power values are in watts.
type EnergySample struct {
	Timestamp         time.Time `json:"timestamp"`
	BatteryPowerW     float64   `json:"batteryPowerW"`
	SolarPowerW       float64   `json:"solarPowerW"`
	LoadPowerW        float64   `json:"loadPowerW"`
	GridPowerW        float64   `json:"gridPowerW"`
	PercentageCharged float64   `json:"percentageCharged"`
}
