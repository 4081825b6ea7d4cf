// Package powerwall controls a Powerwall-style battery site over the vendor
// HTTP API, either directly or through a local proxy.
package powerwall

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/levenlabs/go-lflag"
)

// Controller is the uniform contract for a battery site backend.
type Controller interface {
	// TestConnection verifies the credentials reach the API.
	TestConnection(ctx context.Context) error

	// ListEnergySites returns the battery sites visible to the account.
	ListEnergySites(ctx context.Context) ([]EnergySite, error)

	// GetSiteStatus returns the live power flow for a site.
	GetSiteStatus(ctx context.Context, siteID string) (SiteStatus, error)

	// GetSiteInfo returns site configuration including the current tariff.
	GetSiteInfo(ctx context.Context, siteID string) (SiteInfo, error)

	// GetTimeZone returns the site's installation timezone. The value never
	// changes during a run and is cached after the first read.
	GetTimeZone(ctx context.Context, siteID string) (string, error)

	// GetCurrentTariff returns the tariff programmed on the device, or nil
	// when none is set.
	GetCurrentTariff(ctx context.Context, siteID string) (*types.TariffDocument, error)

	// SetTariff programs a tariff onto the device.
	SetTariff(ctx context.Context, siteID string, doc *types.TariffDocument) error

	GetOperationMode(ctx context.Context, siteID string) (types.OperationMode, error)
	SetOperationMode(ctx context.Context, siteID string, mode types.OperationMode) error

	// GetGridExportRule returns the export rule and whether the device
	// reported one. Some firmwares omit the field; callers then fall back to
	// their cached value.
	GetGridExportRule(ctx context.Context, siteID string) (types.ExportRule, bool, error)
	SetGridExportRule(ctx context.Context, siteID string, rule types.ExportRule) error

	// SetGridChargingEnabled allows or disallows charging the battery from
	// the grid.
	SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) error

	SetBackupReserve(ctx context.Context, siteID string, percent float64) error

	// GetCalendarHistory returns raw history samples for external exporters.
	GetCalendarHistory(ctx context.Context, siteID, kind, period string, endDate time.Time, timezone string) (json.RawMessage, error)
}

// EnergySite is one battery site on the account.
type EnergySite struct {
	ID   string
	Name string
}

// SiteStatus is the live power flow of a site. Power values are in watts;
// positive battery power means the battery is discharging.
type SiteStatus struct {
	BatteryPowerW     float64
	SolarPowerW       float64
	LoadPowerW        float64
	GridPowerW        float64
	PercentageCharged float64
}

// BatteryExportW estimates how much of the battery's output is flowing to
// the grid rather than serving the home load.
func (s SiteStatus) BatteryExportW() float64 {
	deficit := s.LoadPowerW - s.SolarPowerW
	if deficit < 0 {
		deficit = 0
	}
	return s.BatteryPowerW - deficit
}

// SiteInfo is the site configuration relevant to tariff publication.
type SiteInfo struct {
	InstallationTimeZone string
	DefaultRealMode      types.OperationMode
	Tariff               *types.TariffDocument

	// ExportRule is empty when the firmware omits the field; callers then
	// derive it from NonExportConfigured if present.
	ExportRule          types.ExportRule
	NonExportConfigured *bool
}

// Configured sets up the controller factory and returns a Map.
func Configured() *Map {
	m := NewMap()
	apiURL := lflag.String("tesla-api-url", "https://owner-api.teslamotors.com", "base URL for the Tesla owner API")
	authURL := lflag.String("tesla-auth-url", "https://auth.tesla.com/oauth2/v3/token", "token endpoint for the Tesla owner API")
	lflag.Do(func() {
		m.apiURL = *apiURL
		m.authURL = *authURL
	})
	return m
}

// Map manages per-user device controllers.
type Map struct {
	mu          sync.Mutex
	apiURL      string
	authURL     string
	controllers map[string]Controller
}

// NewMap creates a new Map.
func NewMap() *Map {
	return &Map{
		controllers: make(map[string]Controller),
	}
}

// ForUser returns the controller for the given user, creating one from their
// credentials if needed. onTokenRefresh is invoked with rotated tokens so the
// caller can persist them; it may be nil.
func (m *Map) ForUser(email string, creds *types.TeslaCredentials, onTokenRefresh func(access, refresh string)) (Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.controllers[email]; ok {
		return c, nil
	}
	if creds == nil || creds.AccessToken == "" {
		return nil, fmt.Errorf("missing tesla credentials for %s", email)
	}

	var c Controller
	if creds.ProxyURL != "" {
		c = NewProxy(creds.ProxyURL, creds.AccessToken)
	} else {
		c = NewDirect(m.apiURL, m.authURL, creds.AccessToken, creds.RefreshToken, onTokenRefresh)
	}
	m.controllers[email] = c
	return c, nil
}

// SetController sets a mock controller for testing.
func (m *Map) SetController(email string, c Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controllers[email] = c
}
