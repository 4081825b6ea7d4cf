// Package engine orchestrates tariff synchronization and the protective
// controllers (curtailment, spike, demand lockout) across users.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/aemo"
	"github.com/tariffpilot/tariffpilot/pkg/amber"
	"github.com/tariffpilot/tariffpilot/pkg/common"
	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/storage"
	"github.com/tariffpilot/tariffpilot/pkg/types"

	"github.com/levenlabs/go-lflag"
)

// errConfigMissing marks a user whose credentials or site are absent. The
// per-user loops skip these with a warning instead of failing.
var errConfigMissing = errors.New("user configuration missing")

// Engine owns the per-user controllers and their shared collaborators.
type Engine struct {
	db      storage.Database
	amber   *amber.Map
	devices *powerwall.Map
	aemo    *aemo.Client

	coordinator *Coordinator

	encryptionKey string

	// tunables
	curtailThresholdCents float64
	spikeMultiplier       float64
	spikeRefreshWait      time.Duration
	spikeRestoreWait      time.Duration

	// sleep is replaced in tests so mode-cycle waits don't stall them
	sleep func(ctx context.Context, d time.Duration)

	userMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	pendingMu     sync.Mutex
	pendingTokens map[string]types.TeslaCredentials
}

// Configured sets up flags for the engine and returns the instance.
func Configured(db storage.Database, amberMap *amber.Map, devices *powerwall.Map, aemoClient *aemo.Client) *Engine {
	e := New(db, amberMap, devices, aemoClient)

	encryptionKey := lflag.String("encryption-key", "", "32-byte key for encrypting stored credentials")
	curtailThreshold := float64(1)
	lflag.JSON(&curtailThreshold, "curtail-threshold-cents", curtailThreshold, "export earnings (c/kWh) below which solar export is curtailed")
	spikeMultiplier := float64(3)
	lflag.JSON(&spikeMultiplier, "spike-sell-multiplier", spikeMultiplier, "multiple of the wholesale price used as the spike sell rate")
	refreshWait := lflag.Duration("spike-refresh-wait", 30*time.Second, "wait between mode flips that force a tariff refresh")
	restoreWait := lflag.Duration("spike-restore-wait", 60*time.Second, "wait after restoring the saved tariff before restoring the mode")

	lflag.Do(func() {
		e.encryptionKey = *encryptionKey
		e.curtailThresholdCents = curtailThreshold
		e.spikeMultiplier = spikeMultiplier
		e.spikeRefreshWait = *refreshWait
		e.spikeRestoreWait = *restoreWait
	})
	return e
}

// New returns an Engine with default tunables, used in tests.
func New(db storage.Database, amberMap *amber.Map, devices *powerwall.Map, aemoClient *aemo.Client) *Engine {
	return &Engine{
		db:                    db,
		amber:                 amberMap,
		devices:               devices,
		aemo:                  aemoClient,
		coordinator:           NewCoordinator(),
		curtailThresholdCents: 1,
		spikeMultiplier:       3,
		spikeRefreshWait:      30 * time.Second,
		spikeRestoreWait:      60 * time.Second,
		sleep:                 sleepCtx,
		userLocks:             make(map[string]*sync.Mutex),
		pendingTokens:         make(map[string]types.TeslaCredentials),
	}
}

// SetEncryptionKey overrides the credential encryption key, used in tests.
func (e *Engine) SetEncryptionKey(key string) {
	e.encryptionKey = key
}

// Coordinator returns the process-global sync coordinator.
func (e *Engine) Coordinator() *Coordinator {
	return e.coordinator
}

// Validate ensures the configuration is valid.
func (e *Engine) Validate() error {
	if e.encryptionKey != "" && len(e.encryptionKey) != 32 {
		return fmt.Errorf("encryption-key must be exactly 32 bytes")
	}
	return nil
}

// EncryptCredentials serializes and seals credentials for storage.
func (e *Engine) EncryptCredentials(creds types.Credentials) ([]byte, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return common.Encrypt(e.encryptionKey, raw)
}

// DecryptCredentials opens stored credentials. Absent credentials decrypt to
// the zero value.
func (e *Engine) DecryptCredentials(encrypted []byte) (types.Credentials, error) {
	raw, err := common.Decrypt(e.encryptionKey, encrypted)
	if err != nil {
		return types.Credentials{}, err
	}
	var creds types.Credentials
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &creds); err != nil {
			return types.Credentials{}, fmt.Errorf("failed to unmarshal credentials: %w", err)
		}
	}
	return creds, nil
}

// userState is one user's loaded policy and collaborators for the duration
// of a per-user operation. Mark it dirty to persist the policy afterwards.
type userState struct {
	email   string
	policy  types.UserPolicy
	version int
	creds   types.Credentials
	dirty   bool
}

func (e *Engine) lockUser(email string) *sync.Mutex {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	mu, ok := e.userLocks[email]
	if !ok {
		mu = &sync.Mutex{}
		e.userLocks[email] = mu
	}
	return mu
}

// withUser serializes an operation against one user's policy. The policy is
// loaded (and migrated when stale), credentials decrypted, fn run, any
// refreshed device tokens folded in, and the policy persisted if dirty.
func (e *Engine) withUser(ctx context.Context, email string, fn func(ctx context.Context, u *userState) error) error {
	mu := e.lockUser(email)
	mu.Lock()
	defer mu.Unlock()

	ctx = log.WithUser(ctx, email)

	policy, version, err := e.db.GetPolicy(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	u := &userState{email: email, policy: policy, version: version}
	if migrated, changed, err := types.MigratePolicy(policy, version); err != nil {
		return fmt.Errorf("failed to migrate policy: %w", err)
	} else if changed {
		u.policy = migrated
		u.version = types.CurrentPolicyVersion
		u.dirty = true
	}

	u.creds, err = e.DecryptCredentials(u.policy.EncryptedCredentials)
	if err != nil {
		return fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	fnErr := fn(ctx, u)

	if err := e.applyPendingTokens(u); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fold refreshed tokens into policy", slog.Any("error", err))
	}

	if u.dirty {
		if err := e.db.SetPolicy(ctx, email, u.policy, u.version); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to persist policy", slog.Any("error", err))
			if fnErr == nil {
				fnErr = err
			}
		}
	}
	return fnErr
}

// tokenRefreshCallback records rotated device tokens; they are persisted by
// the next withUser completion. Direct persistence here would deadlock since
// refresh happens inside per-user operations.
func (e *Engine) tokenRefreshCallback(email string) func(access, refresh string) {
	return func(access, refresh string) {
		e.pendingMu.Lock()
		defer e.pendingMu.Unlock()
		e.pendingTokens[email] = types.TeslaCredentials{AccessToken: access, RefreshToken: refresh}
	}
}

func (e *Engine) applyPendingTokens(u *userState) error {
	e.pendingMu.Lock()
	tokens, ok := e.pendingTokens[u.email]
	if ok {
		delete(e.pendingTokens, u.email)
	}
	e.pendingMu.Unlock()
	if !ok || u.creds.Tesla == nil {
		return nil
	}

	u.creds.Tesla.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		u.creds.Tesla.RefreshToken = tokens.RefreshToken
	}
	encrypted, err := e.EncryptCredentials(u.creds)
	if err != nil {
		return err
	}
	u.policy.EncryptedCredentials = encrypted
	u.dirty = true
	return nil
}

// amberSource resolves the user's price API client.
func (e *Engine) amberSource(u *userState) (amber.Source, string, error) {
	siteID := u.policy.SiteID
	if siteID == "" && u.creds.Amber != nil {
		siteID = u.creds.Amber.SiteID
	}
	if siteID == "" {
		return nil, "", fmt.Errorf("%w: no amber site", errConfigMissing)
	}
	src, err := e.amber.ForUser(u.email, u.creds.Amber)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errConfigMissing, err)
	}
	return src, siteID, nil
}

// deviceController resolves the user's battery controller.
func (e *Engine) deviceController(u *userState) (powerwall.Controller, string, error) {
	if u.creds.Tesla == nil || u.creds.Tesla.EnergySiteID == "" {
		return nil, "", fmt.Errorf("%w: no device site", errConfigMissing)
	}
	ctrl, err := e.devices.ForUser(u.email, u.creds.Tesla, e.tokenRefreshCallback(u.email))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errConfigMissing, err)
	}
	return ctrl, u.creds.Tesla.EnergySiteID, nil
}

// forEachUser runs fn per user, logging failures without aborting the loop.
// Config-missing users are skipped with a warning.
func (e *Engine) forEachUser(ctx context.Context, fn func(ctx context.Context, email string) error) {
	emails, err := e.db.ListUsers(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list users", slog.Any("error", err))
		return
	}
	for _, email := range emails {
		if ctx.Err() != nil {
			return
		}
		if err := fn(ctx, email); err != nil {
			l := log.WithUser(ctx, email)
			if errors.Is(err, errConfigMissing) {
				log.Ctx(l).WarnContext(l, "skipping user", slog.Any("error", err))
			} else {
				log.Ctx(l).ErrorContext(l, "user operation failed", slog.Any("error", err))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
