package aemo

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const summaryBody = `{"ELEC_NEM_SUMMARY":[
	{"SETTLEMENTDATE":"2024-01-15T15:10:00","REGIONID":"NSW1","PRICE":350.5,"TOTALDEMAND":8123.4,"PRICE_STATUS":"FIRM"},
	{"SETTLEMENTDATE":"2024-01-15T15:10:00","REGIONID":"VIC1","PRICE":89.2,"TOTALDEMAND":5234.1,"PRICE_STATUS":"FIRM"}
]}`

func TestGetRegionPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(summaryBody))
	}))
	defer server.Close()

	c := NewClient(server.URL, "")
	s, err := c.GetRegionPrice(context.Background(), "NSW1")
	require.NoError(t, err)

	assert.Equal(t, "NSW1", s.Region)
	assert.Equal(t, 350.5, s.Price)
	assert.Equal(t, 35.05, s.CentsPerKWH())
	assert.Equal(t, "FIRM", s.PriceStatus)
	assert.Equal(t, 15, s.SettlementDate.Hour())

	_, err = c.GetRegionPrice(context.Background(), "SA1")
	assert.Error(t, err)
}

const predispatchCSV = `C,PREDISPATCH,2024/01/15 15:30:00
I,PDREGION,,1,PREDISPATCHSEQNO,RUNNO,REGIONID,PERIOD_DATETIME,RRP,EEP
D,PDREGION,,1,2024011501,1,NSW1,2024/01/15 16:00:00,312.5,0
D,PDREGION,,1,2024011501,1,NSW1,2024/01/15 16:30:00,120.0,0
D,PDREGION,,1,2024011501,1,VIC1,2024/01/15 16:00:00,85.0,0
C,END OF REPORT
`

func predispatchZip(t *testing.T) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("PUBLIC_PREDISPATCH_2024011501_20240115153000.CSV")
	require.NoError(t, err)
	_, err = f.Write([]byte(predispatchCSV))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGetPredispatch(t *testing.T) {
	const filename = "PUBLIC_PREDISPATCH_2024011501_20240115153000_LEGACY.zip"
	var zipFetches int32
	archive := predispatchZip(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			// a directory listing with an older report first
			_, _ = w.Write([]byte(`<a href="PUBLIC_PREDISPATCH_2024011411_20240114120000_LEGACY.zip">old</a>
<a href="` + filename + `">new</a>`))
		case "/" + filename:
			atomic.AddInt32(&zipFetches, 1)
			_, _ = w.Write(archive)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewClient("", server.URL+"/")

	prices, err := c.GetPredispatch(context.Background(), "NSW1")
	require.NoError(t, err)
	require.Len(t, prices, 2)

	assert.Equal(t, "NSW1", prices[0].Region)
	assert.Equal(t, 312.5, prices[0].DollarsPerMWH)
	assert.Equal(t, 31.25, prices[0].CentsPerKWH())
	assert.Equal(t, time.Date(2024, 1, 15, 16, 0, 0, 0, nemLocation).Unix(), prices[0].PeriodEnd.Unix())
	assert.Equal(t, 120.0, prices[1].DollarsPerMWH)

	// a second read within the same publication window hits the cache
	vic, err := c.GetPredispatch(context.Background(), "VIC1")
	require.NoError(t, err)
	require.Len(t, vic, 1)
	assert.Equal(t, 85.0, vic[0].DollarsPerMWH)
	assert.Equal(t, int32(1), atomic.LoadInt32(&zipFetches))
}

func TestParsePredispatchCSVMissingHeader(t *testing.T) {
	_, err := parsePredispatchCSV(bytes.NewReader([]byte(
		"D,PDREGION,,1,2024011501,1,NSW1,2024/01/15 16:00:00,312.5,0\n")))
	assert.Error(t, err)
}
