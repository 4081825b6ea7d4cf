package storagemock

import (
	"context"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/storage"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetPolicy(ctx context.Context, email string) (types.UserPolicy, int, error) {
	args := m.Called(ctx, email)
	if len(args) > 0 {
		return args.Get(0).(types.UserPolicy), args.Int(1), args.Error(2)
	}
	return types.UserPolicy{}, 0, nil
}

func (m *MockDatabase) SetPolicy(ctx context.Context, email string, policy types.UserPolicy, version int) error {
	args := m.Called(ctx, email, policy, version)
	return args.Error(0)
}

func (m *MockDatabase) ListUsers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if users, ok := args.Get(0).([]string); ok {
		return users, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) SaveTariff(ctx context.Context, tariff types.SavedTariff) (string, error) {
	args := m.Called(ctx, tariff)
	return args.String(0), args.Error(1)
}

func (m *MockDatabase) GetSavedTariff(ctx context.Context, email, id string) (types.SavedTariff, error) {
	args := m.Called(ctx, email, id)
	return args.Get(0).(types.SavedTariff), args.Error(1)
}

func (m *MockDatabase) GetDefaultSavedTariff(ctx context.Context, email string) (*types.SavedTariff, error) {
	args := m.Called(ctx, email)
	if t, ok := args.Get(0).(*types.SavedTariff); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) UpsertPrice(ctx context.Context, email string, price types.PriceInterval) error {
	args := m.Called(ctx, email, price)
	return args.Error(0)
}

func (m *MockDatabase) UpsertEnergySample(ctx context.Context, email string, sample types.EnergySample) error {
	args := m.Called(ctx, email, sample)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceHistory(ctx context.Context, email string, start, end time.Time) ([]types.PriceInterval, error) {
	args := m.Called(ctx, email, start, end)
	if prices, ok := args.Get(0).([]types.PriceInterval); ok {
		return prices, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
