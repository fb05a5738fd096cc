package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/chatsync/internal/auth"
	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/config"
	"github.com/alexjbarnes/chatsync/internal/remote"
)

func TestRuntimeMode(t *testing.T) {
	base := config.Config{Mode: config.ModeBackup, SyncIntervalSeconds: 120}

	tests := []struct {
		name         string
		rt           config.Runtime
		wantMode     config.Mode
		wantInterval time.Duration
	}{
		{"empty keeps env", config.Runtime{}, config.ModeBackup, 2 * time.Minute},
		{"mode only", config.Runtime{Mode: config.ModeSync}, config.ModeSync, 2 * time.Minute},
		{"interval clamped", config.Runtime{Interval: 5}, config.ModeBackup, config.MinSyncInterval},
		{"both", config.Runtime{Mode: config.ModeDisabled, Interval: 30}, config.ModeDisabled, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, interval := runtimeMode(base, tt.rt)
			assert.Equal(t, tt.wantMode, mode)
			assert.Equal(t, tt.wantInterval, interval)
		})
	}

	assert.Equal(t, 120, base.SyncIntervalSeconds, "base config must not change")
}

func TestOpenBucket_FileEndpoint(t *testing.T) {
	dir := t.TempDir()

	bucket, err := openBucket(t.Context(), &config.Config{Endpoint: "file://" + dir})
	require.NoError(t, err)

	ds, ok := bucket.(*remote.DirStore)
	require.True(t, ok)
	assert.Equal(t, dir, ds.Dir())

	require.NoError(t, bucket.Put(t.Context(), "chats/a", []byte("x"), remote.PutOptions{}))
	got, err := bucket.Get(t.Context(), "chats/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestOpenBucket_RateLimited(t *testing.T) {
	bucket, err := openBucket(t.Context(), &config.Config{
		Endpoint:        "file://" + t.TempDir(),
		RemoteRateLimit: 50,
	})
	require.NoError(t, err)

	_, ok := bucket.(*remote.RateLimited)
	assert.True(t, ok)
}

func TestGenKeyCmd(t *testing.T) {
	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"gen-key"})
	require.NoError(t, cmd.Execute())

	key := strings.TrimSpace(out.String())
	assert.True(t, strings.HasPrefix(key, auth.APIKeyPrefix))
	assert.GreaterOrEqual(t, len(key), auth.APIKeyMinLen)
}

func TestRootCmd_Subcommands(t *testing.T) {
	var names []string
	for _, c := range newRootCmd().Commands() {
		names = append(names, c.Name())
	}

	assert.ElementsMatch(t, []string{"run", "sync", "status", "backup", "backups", "restore", "gen-key"}, names)
}

func TestWriteBackups(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var out bytes.Buffer
	require.NoError(t, writeBackups(&out, []chatsync.Backup{
		{Key: "backups/named/a.json.gz", Name: "a", Size: 10, CreatedAt: created},
		{Key: "backups/daily/2026-03-01.json.gz", Daily: true, Size: 20, CreatedAt: created},
	}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "KEY")
	assert.Contains(t, lines[1], "named")
	assert.Contains(t, lines[2], "daily")
	assert.Contains(t, lines[2], "2026-03-01T12:00:00Z")
}
