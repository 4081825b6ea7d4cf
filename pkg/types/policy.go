package types

import (
	"fmt"
	"time"
)

// ExportRule is the device's grid export setting.
type ExportRule string

const (
	ExportNever     ExportRule = "never"
	ExportPVOnly    ExportRule = "pv_only"
	ExportBatteryOK ExportRule = "battery_ok"
)

// OperationMode is the device's battery dispatch mode.
type OperationMode string

const (
	ModeSelfConsumption OperationMode = "self_consumption"
	ModeAutonomous      OperationMode = "autonomous"
	ModeBackup          OperationMode = "backup"
)

// DemandAppliesTo selects which side of the tariff carries demand charges.
type DemandAppliesTo string

const (
	DemandBuy  DemandAppliesTo = "buy"
	DemandSell DemandAppliesTo = "sell"
	DemandBoth DemandAppliesTo = "both"
)

// ClockWindow is a time-of-day range. A window whose end precedes its start
// crosses midnight.
type ClockWindow struct {
	StartHour   int `json:"startHour"`
	StartMinute int `json:"startMinute"`
	EndHour     int `json:"endHour"`
	EndMinute   int `json:"endMinute"`
}

// IsZero returns whether the window is unset.
func (w ClockWindow) IsZero() bool {
	return w.StartHour == 0 && w.StartMinute == 0 && w.EndHour == 0 && w.EndMinute == 0
}

// CrossesMidnight returns whether the window wraps past midnight.
func (w ClockWindow) CrossesMidnight() bool {
	return w.EndHour*60+w.EndMinute <= w.StartHour*60+w.StartMinute
}

// Contains returns whether the given clock time falls inside the window.
// The start is inclusive and the end exclusive.
func (w ClockWindow) Contains(hour, minute int) bool {
	if w.IsZero() {
		return false
	}
	cur := hour*60 + minute
	start := w.StartHour*60 + w.StartMinute
	end := w.EndHour*60 + w.EndMinute
	if w.CrossesMidnight() {
		return cur >= start || cur < end
	}
	return cur >= start && cur < end
}

// DemandConfig is the per-user demand charge configuration.
type DemandConfig struct {
	Enabled bool `json:"enabled"`

	Peak     ClockWindow `json:"peak"`
	Shoulder ClockWindow `json:"shoulder"`

	// Weekdays the peak window applies on. Empty means every day.
	Weekdays []time.Weekday `json:"weekdays,omitempty"`

	AppliesTo DemandAppliesTo `json:"appliesTo"`

	PeakDollarsPerKW     float64 `json:"peakDollarsPerKW"`
	ShoulderDollarsPerKW float64 `json:"shoulderDollarsPerKW"`
	OffPeakDollarsPerKW  float64 `json:"offPeakDollarsPerKW"`

	DailySupplyDollars   float64 `json:"dailySupplyDollars"`
	MonthlySupplyDollars float64 `json:"monthlySupplyDollars"`
}

// InPeakWindow returns whether t falls in the peak window, honoring the
// weekday mask. For a window crossing midnight, the mask is checked against
// the day the window started on.
func (d DemandConfig) InPeakWindow(t time.Time) bool {
	if !d.Enabled || !d.Peak.Contains(t.Hour(), t.Minute()) {
		return false
	}
	if len(d.Weekdays) == 0 {
		return true
	}
	day := t.Weekday()
	if d.Peak.CrossesMidnight() && t.Hour()*60+t.Minute() < d.Peak.EndHour*60+d.Peak.EndMinute {
		day = t.AddDate(0, 0, -1).Weekday()
	}
	for _, w := range d.Weekdays {
		if w == day {
			return true
		}
	}
	return false
}

// CurrentPolicyVersion is the current version of the policy struct.
// Increment this value when adding new fields that require default values.
const CurrentPolicyVersion = 3

// UserPolicy is the per-user configuration and cached device state stored in
// the database. These are dynamic settings that can be changed without
// redeploying.
type UserPolicy struct {
	Email  string `json:"email"`
	SiteID string `json:"siteID"`

	// SyncEnabled is the global kill switch for tariff synchronization.
	SyncEnabled  bool         `json:"syncEnabled"`
	ForecastType ForecastType `json:"forecastType"`

	SolarCurtailmentEnabled bool `json:"solarCurtailmentEnabled"`

	SpikeEnabled                bool    `json:"spikeEnabled"`
	SpikeRegion                 string  `json:"spikeRegion,omitempty"`
	SpikeThresholdDollarsPerMWH float64 `json:"spikeThresholdDollarsPerMWH"`
	// SpikeTestMode keeps the user in spike mode regardless of the live
	// price so the enter/exit sequences can be exercised manually.
	SpikeTestMode bool `json:"spikeTestMode,omitempty"`

	Demand DemandConfig `json:"demand"`

	// LastTariffHash is the MD5 of the last published tariff document.
	LastTariffHash string `json:"lastTariffHash,omitempty"`

	// CurrentExportRule caches the device's export rule, used when the
	// device does not report it directly.
	CurrentExportRule   ExportRule `json:"currentExportRule,omitempty"`
	ExportRuleUpdatedAt time.Time  `json:"exportRuleUpdatedAt,omitzero"`

	InSpikeMode           bool          `json:"inSpikeMode"`
	SpikeStartTime        time.Time     `json:"spikeStartTime,omitzero"`
	SavedTariffID         string        `json:"savedTariffID,omitempty"`
	PreSpikeOperationMode OperationMode `json:"preSpikeOperationMode,omitempty"`

	GridChargingDisabledForDemand bool `json:"gridChargingDisabledForDemand"`

	AEMOLastCheck time.Time `json:"aemoLastCheck,omitzero"`
	AEMOLastPrice float64   `json:"aemoLastPrice,omitempty"`

	LastUpdateTime   time.Time `json:"lastUpdateTime,omitzero"`
	LastUpdateStatus string    `json:"lastUpdateStatus,omitempty"`

	// Credentials for external systems (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// Credentials for external systems
type Credentials struct {
	Amber *AmberCredentials `json:"amber,omitempty"`
	Tesla *TeslaCredentials `json:"tesla,omitempty"`
}

// Credentials for the Amber price API.
type AmberCredentials struct {
	APIToken string `json:"apiToken"`
	SiteID   string `json:"siteID,omitempty"`
}

// Credentials for the Tesla energy API. When ProxyURL is set, requests go
// through a local proxy and the tokens authenticate against it instead.
type TeslaCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	EnergySiteID string `json:"energySiteID,omitempty"`
	ProxyURL     string `json:"proxyURL,omitempty"`
}

// MigratePolicy migrates the policy to the current version.
// It returns the migrated policy, a boolean indicating if changes were made,
// and an error if migration failed.
func MigratePolicy(p UserPolicy, currentVersion int) (UserPolicy, bool, error) {
	if currentVersion >= CurrentPolicyVersion {
		return p, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentPolicyVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if p.ForecastType == "" {
				p.ForecastType = ForecastPredicted
				migrated = true
			}
			if p.SpikeThresholdDollarsPerMWH == 0 {
				p.SpikeThresholdDollarsPerMWH = 300
				migrated = true
			}
		case 2:
			// version 2: demand windows gained a weekday mask
			if p.Demand.Enabled && len(p.Demand.Weekdays) == 0 {
				p.Demand.Weekdays = []time.Weekday{
					time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
				}
				migrated = true
			}
		case 3:
			// version 3: cache the export rule, assume exporting until told otherwise
			if p.CurrentExportRule == "" {
				p.CurrentExportRule = ExportBatteryOK
				migrated = true
			}
		default:
			return p, false, fmt.Errorf("unknown policy version: %d", version)
		}
	}

	return p, migrated, nil
}
