package aemo

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/common"

	"github.com/levenlabs/go-lflag"
)

// The NEM reports timestamps in fixed +10:00 market time.
var nemLocation = time.FixedZone("NEM", 10*60*60)

// RegionSummary is the live dispatch summary for one NEM region. Price is in
// dollars per MWh.
type RegionSummary struct {
	Region         string
	Price          float64
	PriceStatus    string
	TotalDemandMW  float64
	SettlementDate time.Time
}

// CentsPerKWH converts the wholesale price to retail units.
func (s RegionSummary) CentsPerKWH() float64 {
	return s.Price / 10
}

// PredispatchPrice is one 30-minute pre-dispatch forecast entry.
// DollarsPerMWH is the regional reference price.
type PredispatchPrice struct {
	Region        string
	PeriodEnd     time.Time
	DollarsPerMWH float64
}

// CentsPerKWH converts the forecast price to retail units.
func (p PredispatchPrice) CentsPerKWH() float64 {
	return p.DollarsPerMWH / 10
}

// Client reads public AEMO market data. No authentication is required.
type Client struct {
	summaryURL string
	nemwebURL  string
	client     *http.Client

	mu             sync.Mutex
	cachedFilename string
	cachedPrices   []PredispatchPrice
}

// Configured sets up flags for AEMO and returns the instance.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(15 * time.Second),
	}
	summaryURL := lflag.String("aemo-summary-url",
		"https://visualisations.aemo.com.au/aemo/apps/api/report/ELEC_NEM_SUMMARY",
		"URL for the AEMO NEM summary report")
	nemwebURL := lflag.String("nemweb-predispatch-url",
		"https://nemweb.com.au/Reports/Current/Predispatch_Reports/",
		"URL for the NEMWeb pre-dispatch report directory")
	lflag.Do(func() {
		c.summaryURL = *summaryURL
		c.nemwebURL = *nemwebURL
	})
	return c
}

// NewClient returns a Client against explicit URLs, used in tests.
func NewClient(summaryURL, nemwebURL string) *Client {
	return &Client{
		summaryURL: summaryURL,
		nemwebURL:  nemwebURL,
		client:     common.HTTPClient(15 * time.Second),
	}
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.summaryURL == "" {
		return fmt.Errorf("aemo-summary-url is required")
	}
	return nil
}

type nemSummaryResponse struct {
	Summary []nemSummaryEntry `json:"ELEC_NEM_SUMMARY"`
}

type nemSummaryEntry struct {
	SettlementDate string  `json:"SETTLEMENTDATE"`
	RegionID       string  `json:"REGIONID"`
	Price          float64 `json:"PRICE"`
	TotalDemand    float64 `json:"TOTALDEMAND"`
	PriceStatus    string  `json:"PRICE_STATUS"`
}

// GetSummary returns the live summary for all regions.
func (c *Client) GetSummary(ctx context.Context) ([]RegionSummary, error) {
	body, err := common.DoRetry(ctx, c.client, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.summaryURL, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nem summary: %w", err)
	}

	var resp nemSummaryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse nem summary: %w", err)
	}

	summaries := make([]RegionSummary, 0, len(resp.Summary))
	for _, e := range resp.Summary {
		ts, err := time.ParseInLocation("2006-01-02T15:04:05", e.SettlementDate, nemLocation)
		if err != nil {
			return nil, fmt.Errorf("failed to parse settlement date %q: %w", e.SettlementDate, err)
		}
		summaries = append(summaries, RegionSummary{
			Region:         e.RegionID,
			Price:          e.Price,
			PriceStatus:    e.PriceStatus,
			TotalDemandMW:  e.TotalDemand,
			SettlementDate: ts,
		})
	}
	return summaries, nil
}

// GetRegionPrice returns the live summary for a single region.
func (c *Client) GetRegionPrice(ctx context.Context, region string) (RegionSummary, error) {
	summaries, err := c.GetSummary(ctx)
	if err != nil {
		return RegionSummary{}, err
	}
	for _, s := range summaries {
		if s.Region == region {
			return s, nil
		}
	}
	return RegionSummary{}, fmt.Errorf("region %s not in nem summary", region)
}

var predispatchFileRE = regexp.MustCompile(`PUBLIC_PREDISPATCH_[0-9_]+_LEGACY\.zip`)

// GetPredispatch returns the 48-hour pre-dispatch forecast for a region at
// 30-minute resolution. The parsed report is cached keyed on the upstream
// filename so repeated reads within one publication window are free.
func (c *Client) GetPredispatch(ctx context.Context, region string) ([]PredispatchPrice, error) {
	filename, err := c.latestPredispatchFile(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if filename == c.cachedFilename {
		prices := c.cachedPrices
		c.mu.Unlock()
		return filterRegion(prices, region), nil
	}
	c.mu.Unlock()

	body, err := common.DoRetry(ctx, c.client, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.nemwebURL+filename, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch predispatch %s: %w", filename, err)
	}

	prices, err := parsePredispatchZip(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse predispatch %s: %w", filename, err)
	}

	c.mu.Lock()
	c.cachedFilename = filename
	c.cachedPrices = prices
	c.mu.Unlock()

	return filterRegion(prices, region), nil
}

// latestPredispatchFile scrapes the report directory listing for the newest
// legacy pre-dispatch archive. Filenames embed the run timestamp so the
// lexicographic maximum is the latest.
func (c *Client) latestPredispatchFile(ctx context.Context) (string, error) {
	body, err := common.DoRetry(ctx, c.client, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.nemwebURL, nil)
	})
	if err != nil {
		return "", fmt.Errorf("failed to list predispatch reports: %w", err)
	}

	names := predispatchFileRE.FindAllString(string(body), -1)
	if len(names) == 0 {
		return "", fmt.Errorf("no predispatch reports found at %s", c.nemwebURL)
	}
	sort.Strings(names)
	return names[len(names)-1], nil
}

// parsePredispatchZip extracts PDREGION rows from the CSV inside the report
// archive. The CSV uses an I row to declare columns and D rows for data.
func parsePredispatchZip(data []byte) ([]PredispatchPrice, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}

	var prices []PredispatchPrice
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToLower(f.Name), ".csv") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		prices, err = parsePredispatchCSV(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", f.Name, err)
		}
		break
	}
	if prices == nil {
		return nil, fmt.Errorf("no csv found in archive")
	}
	return prices, nil
}

func parsePredispatchCSV(r io.Reader) ([]PredispatchPrice, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	var regionIdx, datetimeIdx, rrpIdx int = -1, -1, -1
	var prices []PredispatchPrice
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) < 2 || record[1] != "PDREGION" {
			continue
		}
		switch record[0] {
		case "I":
			for i, col := range record {
				switch col {
				case "REGIONID":
					regionIdx = i
				case "PERIOD_DATETIME":
					datetimeIdx = i
				case "RRP":
					rrpIdx = i
				}
			}
		case "D":
			if regionIdx < 0 || datetimeIdx < 0 || rrpIdx < 0 {
				return nil, fmt.Errorf("data row before column header")
			}
			if len(record) <= rrpIdx || len(record) <= datetimeIdx || len(record) <= regionIdx {
				continue
			}
			ts, err := time.ParseInLocation("2006/01/02 15:04:05", record[datetimeIdx], nemLocation)
			if err != nil {
				return nil, fmt.Errorf("failed to parse period datetime %q: %w", record[datetimeIdx], err)
			}
			rrp, err := strconv.ParseFloat(record[rrpIdx], 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse rrp %q: %w", record[rrpIdx], err)
			}
			prices = append(prices, PredispatchPrice{
				Region:        record[regionIdx],
				PeriodEnd:     ts,
				DollarsPerMWH: rrp,
			})
		}
	}
	return prices, nil
}

func filterRegion(prices []PredispatchPrice, region string) []PredispatchPrice {
	out := make([]PredispatchPrice, 0, len(prices))
	for _, p := range prices {
		if p.Region == region {
			out = append(out, p)
		}
	}
	return out
}
