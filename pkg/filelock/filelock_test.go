package filelock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	target := filepath.Join(t.TempDir(), "kanban.md")

	lock, err := Acquire(target, time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	target := filepath.Join(t.TempDir(), "kanban.md")

	held, err := Acquire(target, time.Second)
	require.NoError(t, err)
	defer held.Release()

	_, err = Acquire(target, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestWithRunsAndReleases(t *testing.T) {
	target := filepath.Join(t.TempDir(), "conflict-queue.json")

	ran := false
	err := With(target, time.Second, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// Lock must be free again afterward.
	lock, err := Acquire(target, 200*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
