// Package singleton elects a single process per role on a shared filesystem
// using advisory file locks. Replicas that lose the election keep serving
// HTTP but skip the background roles.
package singleton

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/tariffpilot/tariffpilot/pkg/log"

	"github.com/gofrs/flock"
	"github.com/levenlabs/go-lflag"
)

// Role names map to lock files under the lock directory.
const (
	RoleScheduler = "scheduler"
	RoleWebSocket = "websocket"
)

// Elector acquires and holds per-role locks.
type Elector struct {
	dir   string
	locks map[string]*flock.Flock
}

// Configured sets up flags for the elector and returns the instance.
func Configured() *Elector {
	e := &Elector{locks: make(map[string]*flock.Flock)}
	dir := lflag.String("lock-dir", os.TempDir(), "directory for singleton lock files")
	lflag.Do(func() {
		e.dir = *dir
	})
	return e
}

// New returns an Elector using the given lock directory, used in tests.
func New(dir string) *Elector {
	return &Elector{dir: dir, locks: make(map[string]*flock.Flock)}
}

// Acquire attempts to take the named role lock without blocking, returning
// whether this process now holds it. A small random stagger spreads out
// replicas that start simultaneously so lock acquisition order varies.
func (e *Elector) Acquire(ctx context.Context, role string) (bool, error) {
	stagger := time.Duration(100+rand.Intn(400)) * time.Millisecond
	select {
	case <-time.After(stagger):
	case <-ctx.Done():
		return false, ctx.Err()
	}

	fl := flock.New(filepath.Join(e.dir, role+".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return false, err
	}
	if !locked {
		log.Ctx(ctx).InfoContext(ctx, "role held by another process", slog.String("role", role))
		return false, nil
	}
	e.locks[role] = fl
	log.Ctx(ctx).InfoContext(ctx, "acquired role", slog.String("role", role))
	return true, nil
}

// Release drops all held locks. Call on shutdown.
func (e *Elector) Release(ctx context.Context) {
	for role, fl := range e.locks {
		if err := fl.Unlock(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to release role lock",
				slog.String("role", role), slog.Any("error", err))
		}
		delete(e.locks, role)
	}
}
