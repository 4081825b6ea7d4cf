package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/amber"
	"github.com/tariffpilot/tariffpilot/pkg/engine"
	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/storage"
	"github.com/tariffpilot/tariffpilot/pkg/storage/storagemock"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T) (*Server, *storagemock.MockDatabase, *engine.Engine) {
	db := &storagemock.MockDatabase{}
	e := engine.New(db, amber.NewMap(), powerwall.NewMap(), nil)
	e.SetEncryptionKey(testKey)
	srv := &Server{
		engine:     e,
		storage:    db,
		bypassAuth: true,
		serverName: "tariffpilot-test",
	}
	return srv, db, e
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "tariffpilot-test", rec.Header().Get("Server"))
}

func TestStatus(t *testing.T) {
	srv, _, e := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Version       string    `json:"version"`
		CurrentPeriod time.Time `json:"currentPeriod"`
		PeriodSynced  bool      `json:"periodSynced"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Version)
	assert.False(t, resp.PeriodSynced)
	assert.Equal(t, engine.CurrentPeriod(time.Now()), resp.CurrentPeriod)

	// claiming the period flips the flag
	require.True(t, e.Coordinator().ClaimPeriod())
	rec = httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.PeriodSynced)
}

func TestGetPolicy(t *testing.T) {
	srv, db, _ := newTestServer(t)

	db.On("GetPolicy", mock.Anything, "user@example.com").Return(types.UserPolicy{
		Email:                "user@example.com",
		SyncEnabled:          true,
		EncryptedCredentials: []byte("sealed"),
	}, types.CurrentPolicyVersion, nil)

	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/policy?email=user%40example.com", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Policy         types.UserPolicy `json:"policy"`
		Version        int              `json:"version"`
		HasCredentials bool             `json:"hasCredentials"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Policy.SyncEnabled)
	assert.True(t, resp.HasCredentials)
	assert.Empty(t, resp.Policy.EncryptedCredentials, "sealed credentials never leave the server")
	assert.Equal(t, types.CurrentPolicyVersion, resp.Version)
}

func TestGetPolicyNotFound(t *testing.T) {
	srv, db, _ := newTestServer(t)
	db.On("GetPolicy", mock.Anything, "nobody@example.com").
		Return(types.UserPolicy{}, 0, fmt.Errorf("%w: nobody@example.com", storage.ErrUserNotFound))

	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/policy?email=nobody%40example.com", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetPolicyEncryptsCredentials(t *testing.T) {
	srv, db, e := newTestServer(t)

	var saved types.UserPolicy
	db.On("SetPolicy", mock.Anything, "user@example.com", mock.Anything, types.CurrentPolicyVersion).
		Run(func(args mock.Arguments) {
			saved = args.Get(2).(types.UserPolicy)
		}).Return(nil)

	body, err := json.Marshal(setPolicyRequest{
		Policy: types.UserPolicy{Email: "user@example.com", SyncEnabled: true},
		Credentials: &types.Credentials{
			Amber: &types.AmberCredentials{APIToken: "secret"},
		},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/policy", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotEmpty(t, saved.EncryptedCredentials)
	creds, err := e.DecryptCredentials(saved.EncryptedCredentials)
	require.NoError(t, err)
	require.NotNil(t, creds.Amber)
	assert.Equal(t, "secret", creds.Amber.APIToken)
}

func TestSetPolicyPreservesCredentials(t *testing.T) {
	srv, db, _ := newTestServer(t)

	db.On("GetPolicy", mock.Anything, "user@example.com").Return(types.UserPolicy{
		Email:                "user@example.com",
		EncryptedCredentials: []byte("sealed"),
	}, types.CurrentPolicyVersion, nil)

	var saved types.UserPolicy
	db.On("SetPolicy", mock.Anything, "user@example.com", mock.Anything, types.CurrentPolicyVersion).
		Run(func(args mock.Arguments) {
			saved = args.Get(2).(types.UserPolicy)
		}).Return(nil)

	body, err := json.Marshal(setPolicyRequest{
		Policy: types.UserPolicy{Email: "user@example.com", SyncEnabled: false},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/policy", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte("sealed"), saved.EncryptedCredentials)
}

func TestSetPolicyRequiresEmail(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/policy", bytes.NewReader([]byte(`{"policy":{}}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryPrices(t *testing.T) {
	srv, db, _ := newTestServer(t)

	db.On("GetPriceHistory", mock.Anything, "user@example.com", mock.Anything, mock.Anything).
		Return([]types.PriceInterval{
			{ChannelType: types.ChannelGeneral, PerKWH: 25},
		}, nil)

	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history/prices?email=user%40example.com", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Prices []types.PriceInterval `json:"prices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Prices, 1)
	assert.Equal(t, float64(25), resp.Prices[0].PerKWH)
}

func TestHistoryPricesBadRange(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/history/prices?email=a%40b.com&start=notatime", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRejectedWithoutConfiguration(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.bypassAuth = false

	rec := httptest.NewRecorder()
	srv.setupHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
