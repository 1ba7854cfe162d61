package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotAndRestoreRoundTrip(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{})
	ctx := context.Background()

	tok1, err := mgr.Create(ctx, map[string]any{"geminiApiKey": "k1"})
	require.NoError(t, err)
	tok2, err := mgr.Create(ctx, map[string]any{"geminiApiKey": "k2"})
	require.NoError(t, err)

	snapPath := filepath.Join(t.TempDir(), "sub", "snapshot.json")
	require.NoError(t, mgr.Snapshot(ctx, snapPath))

	raw, err := os.ReadFile(snapPath)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Contains(t, onDisk, "sessions")
	assert.Contains(t, onDisk, "savedAt")
	sessions, ok := onDisk["sessions"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, sessions, tok1)
	assert.Contains(t, sessions, tok2)

	// Fresh manager over an empty backend restores from the snapshot file.
	mgr2, _, _ := newTestManager(t, Config{})
	restored, err := mgr2.RestoreSnapshot(ctx, snapPath)
	require.NoError(t, err)
	assert.Equal(t, 2, restored)

	cfg1, err := mgr2.Get(ctx, tok1)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	assert.Equal(t, "k1", cfg1["geminiApiKey"])

	cfg2, err := mgr2.Get(ctx, tok2)
	require.NoError(t, err)
	require.NotNil(t, cfg2)
	assert.Equal(t, "k2", cfg2["geminiApiKey"])
}

func TestRestoreSnapshotMissingFileIsNotAnError(t *testing.T) {
	mgr, _, _ := newTestManager(t, Config{})
	restored, err := mgr.RestoreSnapshot(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
}
