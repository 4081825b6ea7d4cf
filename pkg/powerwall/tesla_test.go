package powerwall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListEnergySites(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1/products", r.URL.Path)
		assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"response":[
			{"id":"v1","vin":"5YJ"},
			{"energy_site_id":123456,"site_name":"Home"}
		]}`))
	}))
	defer server.Close()

	c := NewDirect(server.URL, "", "access", "", nil)
	sites, err := c.ListEnergySites(context.Background())
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "123456", sites[0].ID)
	assert.Equal(t, "Home", sites[0].Name)
}

func TestSetTariffLogicalFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1/energy_sites/1/time_of_use_settings", r.URL.Path)
		var body struct {
			TOUSettings struct {
				TariffContentV2 json.RawMessage `json:"tariff_content_v2"`
			} `json:"tou_settings"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body.TOUSettings.TariffContentV2)

		_, _ = w.Write([]byte(`{"response":{"result":false,"reason":"invalid tariff"}}`))
	}))
	defer server.Close()

	c := NewDirect(server.URL, "", "access", "", nil)
	err := c.SetTariff(context.Background(), "1", &types.TariffDocument{})
	require.Error(t, err)

	var aerr *APIError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "invalid tariff", aerr.Reason)
}

func TestSetGridChargingEnabledInvertedField(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":{"result":true}}`))
	}))
	defer server.Close()

	c := NewDirect(server.URL, "", "access", "", nil)
	require.NoError(t, c.SetGridChargingEnabled(context.Background(), "1", false))
	assert.Equal(t, true, got["disallow_charge_from_grid_with_solar_installed"])

	require.NoError(t, c.SetGridChargingEnabled(context.Background(), "1", true))
	assert.Equal(t, false, got["disallow_charge_from_grid_with_solar_installed"])
}

func TestGetGridExportRule(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		rule     types.ExportRule
		reported bool
	}{
		{
			name:     "Direct",
			body:     `{"response":{"customer_preferred_export_rule":"pv_only"}}`,
			rule:     types.ExportPVOnly,
			reported: true,
		},
		{
			name:     "DerivedNever",
			body:     `{"response":{"components":{"non_export_configured":true}}}`,
			rule:     types.ExportNever,
			reported: true,
		},
		{
			name:     "DerivedBatteryOK",
			body:     `{"response":{"components":{"non_export_configured":false}}}`,
			rule:     types.ExportBatteryOK,
			reported: true,
		},
		{
			name:     "Absent",
			body:     `{"response":{"installation_time_zone":"Australia/Sydney"}}`,
			reported: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c := NewDirect(server.URL, "", "access", "", nil)
			rule, reported, err := c.GetGridExportRule(context.Background(), "1")
			require.NoError(t, err)
			assert.Equal(t, tt.reported, reported)
			if tt.reported {
				assert.Equal(t, tt.rule, rule)
			}
		})
	}
}

func TestTokenRefreshOn401(t *testing.T) {
	var apiCalls int32
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh_token", body["grant_type"])
		assert.Equal(t, "old-refresh", body["refresh_token"])
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh"}`))
	})
	mux.HandleFunc("/api/1/products", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiCalls, 1)
		if r.Header.Get("Authorization") != "Bearer new-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"response":[]}`))
	})

	var persistedAccess, persistedRefresh string
	c := NewDirect(server.URL, server.URL+"/token", "expired", "old-refresh", func(access, refresh string) {
		persistedAccess, persistedRefresh = access, refresh
	})

	require.NoError(t, c.TestConnection(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiCalls), "original request retried once after refresh")
	assert.Equal(t, "new-access", persistedAccess)
	assert.Equal(t, "new-refresh", persistedRefresh)
}

func TestSetBackupReserve(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1/energy_sites/1/backup", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":{"result":true}}`))
	}))
	defer server.Close()

	c := NewDirect(server.URL, "", "access", "", nil)
	require.NoError(t, c.SetBackupReserve(context.Background(), "1", 35))
	assert.Equal(t, 35.0, got["backup_reserve_percent"])

	require.Error(t, c.SetBackupReserve(context.Background(), "1", 150))
}

func TestTimeZoneCached(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"response":{"installation_time_zone":"Australia/Sydney"}}`))
	}))
	defer server.Close()

	c := NewDirect(server.URL, "", "access", "", nil)

	tz, err := c.GetTimeZone(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "Australia/Sydney", tz)

	tz, err = c.GetTimeZone(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "Australia/Sydney", tz)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetCalendarHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/1/energy_sites/1/calendar_history", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "energy", q.Get("kind"))
		assert.Equal(t, "day", q.Get("period"))
		assert.Equal(t, "Australia/Sydney", q.Get("time_zone"))
		_, _ = w.Write([]byte(`{"response":{"serial_number":"abc","time_series":[]}}`))
	}))
	defer server.Close()

	c := NewDirect(server.URL, "", "access", "", nil)
	raw, err := c.GetCalendarHistory(context.Background(), "1", "energy", "day", time.Now(), "Australia/Sydney")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "time_series")
}

func TestBatteryExportW(t *testing.T) {
	// battery covering the home deficit only
	s := SiteStatus{BatteryPowerW: 2000, LoadPowerW: 3000, SolarPowerW: 1000}
	assert.Equal(t, 0.0, s.BatteryExportW())

	// battery pushing beyond the deficit
	s = SiteStatus{BatteryPowerW: 5000, LoadPowerW: 3000, SolarPowerW: 1000}
	assert.Equal(t, 3000.0, s.BatteryExportW())

	// solar covering everything, battery output all exported
	s = SiteStatus{BatteryPowerW: 1500, LoadPowerW: 1000, SolarPowerW: 4000}
	assert.Equal(t, 1500.0, s.BatteryExportW())
}
