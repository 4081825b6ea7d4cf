package powerwallmock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/mock"
)

type MockController struct {
	mock.Mock
}

var _ powerwall.Controller = (*MockController)(nil)

func (m *MockController) TestConnection(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockController) ListEnergySites(ctx context.Context) ([]powerwall.EnergySite, error) {
	args := m.Called(ctx)
	if sites, ok := args.Get(0).([]powerwall.EnergySite); ok {
		return sites, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockController) GetSiteStatus(ctx context.Context, siteID string) (powerwall.SiteStatus, error) {
	args := m.Called(ctx, siteID)
	return args.Get(0).(powerwall.SiteStatus), args.Error(1)
}

func (m *MockController) GetSiteInfo(ctx context.Context, siteID string) (powerwall.SiteInfo, error) {
	args := m.Called(ctx, siteID)
	return args.Get(0).(powerwall.SiteInfo), args.Error(1)
}

func (m *MockController) GetTimeZone(ctx context.Context, siteID string) (string, error) {
	args := m.Called(ctx, siteID)
	return args.String(0), args.Error(1)
}

func (m *MockController) GetCurrentTariff(ctx context.Context, siteID string) (*types.TariffDocument, error) {
	args := m.Called(ctx, siteID)
	if doc, ok := args.Get(0).(*types.TariffDocument); ok {
		return doc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockController) SetTariff(ctx context.Context, siteID string, doc *types.TariffDocument) error {
	args := m.Called(ctx, siteID, doc)
	return args.Error(0)
}

func (m *MockController) GetOperationMode(ctx context.Context, siteID string) (types.OperationMode, error) {
	args := m.Called(ctx, siteID)
	return args.Get(0).(types.OperationMode), args.Error(1)
}

func (m *MockController) SetOperationMode(ctx context.Context, siteID string, mode types.OperationMode) error {
	args := m.Called(ctx, siteID, mode)
	return args.Error(0)
}

func (m *MockController) GetGridExportRule(ctx context.Context, siteID string) (types.ExportRule, bool, error) {
	args := m.Called(ctx, siteID)
	return args.Get(0).(types.ExportRule), args.Bool(1), args.Error(2)
}

func (m *MockController) SetGridExportRule(ctx context.Context, siteID string, rule types.ExportRule) error {
	args := m.Called(ctx, siteID, rule)
	return args.Error(0)
}

func (m *MockController) SetGridChargingEnabled(ctx context.Context, siteID string, enabled bool) error {
	args := m.Called(ctx, siteID, enabled)
	return args.Error(0)
}

func (m *MockController) SetBackupReserve(ctx context.Context, siteID string, percent float64) error {
	args := m.Called(ctx, siteID, percent)
	return args.Error(0)
}

func (m *MockController) GetCalendarHistory(ctx context.Context, siteID, kind, period string, endDate time.Time, timezone string) (json.RawMessage, error) {
	args := m.Called(ctx, siteID, kind, period, endDate, timezone)
	if raw, ok := args.Get(0).(json.RawMessage); ok {
		return raw, args.Error(1)
	}
	return nil, args.Error(1)
}
