package powerwall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/common"
	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/types"
)

// APIError is a logical failure reported by the device API: either a non-2xx
// status or a 200 whose body carries result=false.
type APIError struct {
	StatusCode int
	Reason     string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("api error (status %d)", e.StatusCode)
}

// Client implements Controller against the vendor HTTP API. The direct and
// proxy backends share this type; they differ only in base URL, auth, and
// whether refresh is set.
type Client struct {
	apiURL string
	client *http.Client

	tokenMu      sync.Mutex
	accessToken  string
	refreshToken string

	// refresh exchanges the refresh token for new tokens. nil when the
	// backend has no refresh capability.
	refresh func(ctx context.Context) error
	authURL string
	// onTokenRefresh lets the owner persist rotated tokens.
	onTokenRefresh func(access, refresh string)

	tzMu    sync.Mutex
	tzCache map[string]string
}

var _ Controller = (*Client)(nil)

// NewDirect returns a Client against the vendor API with token refresh.
func NewDirect(apiURL, authURL, accessToken, refreshToken string, onTokenRefresh func(access, refresh string)) *Client {
	c := &Client{
		apiURL:         apiURL,
		authURL:        authURL,
		client:         common.HTTPClient(30 * time.Second),
		accessToken:    accessToken,
		refreshToken:   refreshToken,
		onTokenRefresh: onTokenRefresh,
		tzCache:        make(map[string]string),
	}
	if refreshToken != "" {
		c.refresh = c.refreshAccessToken
	}
	return c
}

// NewProxy returns a Client against a local proxy. The proxy owns token
// lifecycle, so no refresh is attempted on 401.
func NewProxy(proxyURL, accessToken string) *Client {
	return &Client{
		apiURL:      proxyURL,
		client:      common.HTTPClient(30 * time.Second),
		accessToken: accessToken,
		tzCache:     make(map[string]string),
	}
}

// do performs one request with the shared retry policy and unwraps the
// response envelope.
func (c *Client) do(ctx context.Context, method, path string, reqBody any) (json.RawMessage, error) {
	var encoded []byte
	if reqBody != nil {
		var err error
		encoded, err = json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	c.tokenMu.Lock()
	token := c.accessToken
	c.tokenMu.Unlock()

	body, err := common.DoRetry(ctx, c.client, func(ctx context.Context) (*http.Request, error) {
		var r *bytes.Reader
		if encoded != nil {
			r = bytes.NewReader(encoded)
		} else {
			r = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		var serr *common.StatusError
		if errors.As(err, &serr) {
			return nil, &APIError{StatusCode: serr.StatusCode, Reason: serr.Body}
		}
		return nil, err
	}

	var envelope struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse response from %s: %w", path, err)
	}

	// a 200 can still be a logical failure
	var result struct {
		Result *bool  `json:"result"`
		Reason string `json:"reason"`
	}
	if len(envelope.Response) > 0 && json.Unmarshal(envelope.Response, &result) == nil {
		if result.Result != nil && !*result.Result {
			log.Ctx(ctx).WarnContext(ctx, "device rejected command",
				slog.String("path", path),
				slog.String("reason", result.Reason),
			)
			return nil, &APIError{StatusCode: http.StatusOK, Reason: result.Reason}
		}
	}

	return envelope.Response, nil
}

// doRequest is do plus a single token refresh on 401 when refresh is
// available. Refreshes are serialized so concurrent 401s cannot storm the
// token endpoint.
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody any) (json.RawMessage, error) {
	resp, err := c.do(ctx, method, path, reqBody)
	if err == nil || c.refresh == nil {
		return resp, err
	}

	var aerr *APIError
	if !errors.As(err, &aerr) || aerr.StatusCode != http.StatusUnauthorized {
		return nil, err
	}

	log.Ctx(ctx).InfoContext(ctx, "access token expired, refreshing")
	if rerr := c.refresh(ctx); rerr != nil {
		log.Ctx(ctx).WarnContext(ctx, "token refresh failed", slog.Any("error", rerr))
		// surface the original 401
		return nil, err
	}
	return c.do(ctx, method, path, reqBody)
}

// refreshAccessToken exchanges the refresh token for a new token pair.
func (c *Client) refreshAccessToken(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	reqBody, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     "ownerapi",
		"refresh_token": c.refreshToken,
		"scope":         "openid email offline_access",
	})
	if err != nil {
		return err
	}

	body, err := common.DoRetry(ctx, c.client, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}

	var tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &tokens); err != nil {
		return fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return fmt.Errorf("token response missing access_token")
	}

	c.accessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		c.refreshToken = tokens.RefreshToken
	}
	if c.onTokenRefresh != nil {
		c.onTokenRefresh(c.accessToken, c.refreshToken)
	}
	return nil
}

// TestConnection implements Controller.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/1/products", nil)
	return err
}

// ListEnergySites implements Controller.
func (c *Client) ListEnergySites(ctx context.Context) ([]EnergySite, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/1/products", nil)
	if err != nil {
		return nil, err
	}

	var products []productEntry
	if err := json.Unmarshal(resp, &products); err != nil {
		return nil, fmt.Errorf("failed to parse products: %w", err)
	}

	var sites []EnergySite
	for _, p := range products {
		if p.EnergySiteID == 0 {
			continue
		}
		sites = append(sites, EnergySite{
			ID:   strconv.FormatInt(p.EnergySiteID, 10),
			Name: p.SiteName,
		})
	}
	return sites, nil
}

// GetSiteStatus implements Controller.
func (c *Client) GetSiteStatus(ctx context.Context, siteID string) (SiteStatus, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/1/energy_sites/"+siteID+"/live_status", nil)
	if err != nil {
		return SiteStatus{}, err
	}

	var ls liveStatusEntry
	if err := json.Unmarshal(resp, &ls); err != nil {
		return SiteStatus{}, fmt.Errorf("failed to parse live status: %w", err)
	}
	return SiteStatus{
		BatteryPowerW:     ls.BatteryPower,
		SolarPowerW:       ls.SolarPower,
		LoadPowerW:        ls.LoadPower,
		GridPowerW:        ls.GridPower,
		PercentageCharged: ls.PercentageCharged,
	}, nil
}

// GetSiteInfo implements Controller.
func (c *Client) GetSiteInfo(ctx context.Context, siteID string) (SiteInfo, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/1/energy_sites/"+siteID+"/site_info", nil)
	if err != nil {
		return SiteInfo{}, err
	}

	var si siteInfoEntry
	if err := json.Unmarshal(resp, &si); err != nil {
		return SiteInfo{}, fmt.Errorf("failed to parse site info: %w", err)
	}

	info := SiteInfo{
		InstallationTimeZone: si.InstallationTimeZone,
		DefaultRealMode:      types.OperationMode(si.DefaultRealMode),
		Tariff:               si.TariffContentV2,
		ExportRule:           types.ExportRule(si.CustomerPreferredExportRule),
	}
	if si.Components != nil {
		info.NonExportConfigured = si.Components.NonExportConfigured
	}

	if info.InstallationTimeZone != "" {
		c.tzMu.Lock()
		c.tzCache[siteID] = info.InstallationTimeZone
		c.tzMu.Unlock()
	}
	return info, nil
}

// GetTimeZone implements Controller.
func (c *Client) GetTimeZone(ctx context.Context, siteID string) (string, error) {
	c.tzMu.Lock()
	tz, ok := c.tzCache[siteID]
	c.tzMu.Unlock()
	if ok {
		return tz, nil
	}

	info, err := c.GetSiteInfo(ctx, siteID)
	if err != nil {
		return "", err
	}
	if info.InstallationTimeZone == "" {
		return "", fmt.Errorf("site %s has no installation timezone", siteID)
	}
	return info.InstallationTimeZone, nil
}

// GetCurrentTariff implements Controller.
func (c *Client) GetCurrentTariff(ctx context.Context, siteID string) (*types.TariffDocument, error) {
	info, err := c.GetSiteInfo(ctx, siteID)
	if err != nil {
		return nil, err
	}
	return info.Tariff, nil
}

// SetTariff implements Controller.
func (c *Client) SetTariff(ctx context.Context, siteID string, doc *types.TariffDocument) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/1/energy_sites/"+siteID+"/time_of_use_settings", map[string]any{
		"tou_settings": map[string]any{
			"tariff_content_v2": doc,
		},
	})
	return err
}

// GetOperationMode implements Controller.
func (c *Client) GetOperationMode(ctx context.Context, siteID string) (types.OperationMode, error) {
	info, err := c.GetSiteInfo(ctx, siteID)
	if err != nil {
		return "", err
	}
	if info.DefaultRealMode == "" {
		return "", fmt.Errorf("site %s did not report an operation mode", siteID)
	}
	return info.DefaultRealMode, nil
}

// SetOperationMode implements Controller.
func (c *Client) SetOperationMode(ctx context.Context, siteID string, mode types.OperationMode) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/1/energy_sites/"+siteID+"/operation", map[string]any{
		"default_real_mode": mode,
	})
	return err
}

// GetGridExportRule implements Controller. When the firmware omits the rule
// but reports non-export configuration, the rule is derived from it.
func (c *Client) GetGridExportRule(ctx context.Context, siteID string) (types.ExportRule, bool, error) {
	info, err := c.GetSiteInfo(ctx, siteID)
	if err != nil {
		return "", false, err
	}
	if info.ExportRule != "" {
		return info.ExportRule, true, nil
	}
	if info.NonExportConfigured != nil {
		if *info.NonExportConfigured {
			return types.ExportNever, true, nil
		}
		return types.ExportBatteryOK, true, nil
	}
	return "", false, nil
}

// SetGridExportRule implements Controller.
func (c *Client) SetGridExportRule(ctx context.Context, siteID string, rule types.ExportRule) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/1/energy_sites/"+siteID+"/grid_import_export", map[string]any{
		"customer_preferred_export_rule": rule,
	})
	return err
}

// SetGridChargingEnabled implements Controller. The wire field is inverted.
func (c *Client) SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/1/energy_sites/"+siteID+"/grid_import_export", map[string]any{
		"disallow_charge_from_grid_with_solar_installed": !enabled,
	})
	return err
}

// SetBackupReserve implements Controller.
func (c *Client) SetBackupReserve(ctx context.Context, siteID string, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("backup reserve percent out of range: %f", percent)
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/1/energy_sites/"+siteID+"/backup", map[string]any{
		"backup_reserve_percent": percent,
	})
	return err
}

// GetCalendarHistory implements Controller.
func (c *Client) GetCalendarHistory(ctx context.Context, siteID, kind, period string, endDate time.Time, timezone string) (json.RawMessage, error) {
	q := url.Values{
		"kind":      {kind},
		"period":    {period},
		"end_date":  {endDate.Format(time.RFC3339)},
		"time_zone": {timezone},
	}
	return c.doRequest(ctx, http.MethodGet, "/api/1/energy_sites/"+siteID+"/calendar_history?"+q.Encode(), nil)
}

// wire structs

type productEntry struct {
	EnergySiteID int64  `json:"energy_site_id"`
	SiteName     string `json:"site_name"`
}

type liveStatusEntry struct {
	BatteryPower      float64 `json:"battery_power"`
	SolarPower        float64 `json:"solar_power"`
	LoadPower         float64 `json:"load_power"`
	GridPower         float64 `json:"grid_power"`
	PercentageCharged float64 `json:"percentage_charged"`
}

type siteInfoEntry struct {
	InstallationTimeZone        string                `json:"installation_time_zone"`
	DefaultRealMode             string                `json:"default_real_mode"`
	TariffContentV2             *types.TariffDocument `json:"tariff_content_v2"`
	CustomerPreferredExportRule string                `json:"customer_preferred_export_rule"`
	Components                  *siteComponents       `json:"components"`
}

type siteComponents struct {
	NonExportConfigured *bool `json:"non_export_configured"`
}
