package sim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWorkspace_SecondHolderFailsBusy(t *testing.T) {
	// GIVEN a held workspace lock
	dir := t.TempDir()
	l1, err := AcquireWorkspace(dir, "scene-a")
	require.NoError(t, err)
	defer l1.Release()

	// WHEN a second acquisition is attempted while the holder lives
	_, err = AcquireWorkspace(dir, "scene-a")

	// THEN it fails fast with ErrWorkspaceBusy
	assert.True(t, errors.Is(err, ErrWorkspaceBusy), "got %v", err)
}

func TestAcquireWorkspace_ReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	l1, err := AcquireWorkspace(dir, "scene-a")
	require.NoError(t, err)
	l1.Release()

	l2, err := AcquireWorkspace(dir, "scene-a")
	require.NoError(t, err)
	l2.Release()
}

func TestAcquireWorkspace_ReclaimsStaleLock(t *testing.T) {
	// GIVEN a lock file left by a process that no longer exists
	dir := t.TempDir()
	stale := filepath.Join(dir, lockFileName)
	require.NoError(t, os.WriteFile(stale, []byte("999999999 scene-a\n"), 0o644))

	// WHEN acquiring
	l, err := AcquireWorkspace(dir, "scene-a")

	// THEN the stale lock is reclaimed
	require.NoError(t, err)
	l.Release()
}

func TestWorkspaceLock_ReleaseIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireWorkspace(dir, "scene-a")
	require.NoError(t, err)
	l.Release()
	l.Release()
}

func TestMarkers_WriteAndProbe(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasMarker(dir, InitializeFinishMarker))
	require.NoError(t, WriteMarker(dir, InitializeFinishMarker))
	assert.True(t, HasMarker(dir, InitializeFinishMarker))
	assert.False(t, HasMarker(dir, FinishedMarker))
}
