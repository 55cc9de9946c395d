//go:build unix

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireContention(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	held, err := Acquire(ctx, dir, 0)
	require.NoError(t, err)

	_, err = Acquire(ctx, dir, 120*time.Millisecond)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, held.Release())
	require.NoError(t, held.Release())

	again, err := Acquire(ctx, dir, 0)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireWaitsForRelease(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	held, err := Acquire(ctx, dir, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Release()
	}()

	l, err := Acquire(ctx, dir, 2*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, l.Path())
	require.NoError(t, l.Release())
}
