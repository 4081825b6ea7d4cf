package amber

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/common"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/levenlabs/go-lflag"
)

// The NEM operates on fixed +10:00 regardless of daylight saving, and Amber
// keys its civil dates to that offset.
var nemLocation = time.FixedZone("NEM", 10*60*60)

// Source defines the pull interface for an Amber-style price API.
type Source interface {
	// GetCurrentPrices returns the in-progress 5-minute sample for both
	// channels.
	GetCurrentPrices(ctx context.Context, siteID string) ([]types.PriceInterval, error)

	// GetForecast returns intervals covering now through now+hours at the
	// given resolution, spanning actual, current and forecast kinds.
	GetForecast(ctx context.Context, siteID string, hours, resolutionMinutes int) ([]types.PriceInterval, error)

	// ListSites returns the sites visible to the credentials.
	ListSites(ctx context.Context) ([]Site, error)
}

// Site is one physical installation known to the price API.
type Site struct {
	ID     string `json:"id"`
	NMI    string `json:"nmi"`
	Status string `json:"status"`
}

// Configured sets up the Amber client factory and returns a Map.
func Configured() *Map {
	m := NewMap()
	apiURL := lflag.String("amber-api-url", "https://api.amber.com.au/v1", "base URL for the Amber REST API")
	lflag.Do(func() {
		m.apiURL = *apiURL
	})
	return m
}

// Map manages per-user price API clients.
type Map struct {
	mu      sync.Mutex
	apiURL  string
	sources map[string]Source
}

// NewMap creates a new Map.
func NewMap() *Map {
	return &Map{
		sources: make(map[string]Source),
	}
}

// Validate ensures the configuration is valid.
func (m *Map) Validate() error {
	if m.apiURL == "" {
		return fmt.Errorf("amber-api-url is required")
	}
	if _, err := url.Parse(m.apiURL); err != nil {
		return fmt.Errorf("failed to parse amber url (%s): %w", m.apiURL, err)
	}
	return nil
}

// ForUser returns the price source for the given user, creating one from
// their credentials if needed.
func (m *Map) ForUser(email string, creds *types.AmberCredentials) (Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sources[email]; ok {
		return s, nil
	}
	if creds == nil || creds.APIToken == "" {
		return nil, fmt.Errorf("missing amber credentials for %s", email)
	}
	c := NewClient(m.apiURL, creds.APIToken)
	m.sources[email] = c
	return c, nil
}

// SetSource sets a mock source for testing.
func (m *Map) SetSource(email string, s Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[email] = s
}

// Client is a Source backed by the Amber REST API.
type Client struct {
	apiURL string
	token  string
	client *http.Client
}

// NewClient returns a Client for the given base URL and bearer token.
func NewClient(apiURL, token string) *Client {
	return &Client{
		apiURL: apiURL,
		token:  token,
		client: common.HTTPClient(30 * time.Second),
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	body, err := common.DoRetry(ctx, c.client, func(ctx context.Context) (*http.Request, error) {
		u := c.apiURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("amber request %s failed: %w", path, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse amber response from %s: %w", path, err)
	}
	return nil
}

// GetCurrentPrices implements Source.
func (c *Client) GetCurrentPrices(ctx context.Context, siteID string) ([]types.PriceInterval, error) {
	var intervals []types.PriceInterval
	q := url.Values{"resolution": {"5"}}
	if err := c.get(ctx, "/sites/"+siteID+"/prices/current", q, &intervals); err != nil {
		return nil, err
	}
	return NormalizeIntervals(intervals), nil
}

// GetForecast implements Source.
func (c *Client) GetForecast(ctx context.Context, siteID string, hours, resolutionMinutes int) ([]types.PriceInterval, error) {
	now := time.Now().In(nemLocation)
	q := url.Values{
		"startDate":  {now.Format("2006-01-02")},
		"endDate":    {now.Add(time.Duration(hours) * time.Hour).Format("2006-01-02")},
		"resolution": {fmt.Sprintf("%d", resolutionMinutes)},
	}
	var intervals []types.PriceInterval
	if err := c.get(ctx, "/sites/"+siteID+"/prices", q, &intervals); err != nil {
		return nil, err
	}
	return NormalizeIntervals(intervals), nil
}

// ListSites implements Source.
func (c *Client) ListSites(ctx context.Context) ([]Site, error) {
	var sites []Site
	if err := c.get(ctx, "/sites", nil, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// NormalizeIntervals flips the sign of feed-in prices so that positive always
// means the consumer is credited. The upstream reports feed-in as negative
// when the consumer is paid.
func NormalizeIntervals(intervals []types.PriceInterval) []types.PriceInterval {
	for i := range intervals {
		if intervals[i].ChannelType != types.ChannelFeedIn {
			continue
		}
		intervals[i].PerKWH = -intervals[i].PerKWH
		intervals[i].SpotPerKWH = -intervals[i].SpotPerKWH
		if ap := intervals[i].AdvancedPrice; ap != nil {
			// negating swaps which bound is lower
			intervals[i].AdvancedPrice = &types.AdvancedPrice{
				Predicted: -ap.Predicted,
				Low:       -ap.High,
				High:      -ap.Low,
			}
		}
	}
	return intervals
}
