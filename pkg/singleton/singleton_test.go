package singleton

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := New(dir)
	held, err := first.Acquire(ctx, RoleScheduler)
	require.NoError(t, err)
	require.True(t, held)

	// a second elector in the same directory loses
	second := New(dir)
	held, err = second.Acquire(ctx, RoleScheduler)
	require.NoError(t, err)
	assert.False(t, held)

	// a different role is independent
	held, err = second.Acquire(ctx, RoleWebSocket)
	require.NoError(t, err)
	assert.True(t, held)

	// releasing frees the role for the next caller
	first.Release(ctx)
	held, err = second.Acquire(ctx, RoleScheduler)
	require.NoError(t, err)
	assert.True(t, held)
	second.Release(ctx)
}

func TestAcquireCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New(t.TempDir())
	held, err := e.Acquire(ctx, RoleScheduler)
	assert.Error(t, err)
	assert.False(t, held)
}
