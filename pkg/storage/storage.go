package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/levenlabs/go-lflag"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrTariffNotFound = errors.New("saved tariff not found")
)

// Database defines the interface for persisting policies, saved tariffs,
// and history samples.
type Database interface {
	// Policies
	GetPolicy(ctx context.Context, email string) (types.UserPolicy, int, error)
	SetPolicy(ctx context.Context, email string, policy types.UserPolicy, version int) error
	ListUsers(ctx context.Context) ([]string, error)

	// Saved tariffs
	// SaveTariff stores a snapshot and returns its id.
	SaveTariff(ctx context.Context, tariff types.SavedTariff) (string, error)
	GetSavedTariff(ctx context.Context, email, id string) (types.SavedTariff, error)
	// GetDefaultSavedTariff returns the default snapshot or nil when none
	// exists.
	GetDefaultSavedTariff(ctx context.Context, email string) (*types.SavedTariff, error)

	// History sinks (append-only)
	UpsertPrice(ctx context.Context, email string, price types.PriceInterval) error
	UpsertEnergySample(ctx context.Context, email string, sample types.EnergySample) error
	GetPriceHistory(ctx context.Context, email string, start, end time.Time) ([]types.PriceInterval, error)

	// Lifecycle
	Close() error
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
