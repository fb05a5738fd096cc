package e2e_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/alexjbarnes/chatsync/internal/mcpserver"
	"github.com/alexjbarnes/chatsync/internal/state"
)

func chatTitle(t *testing.T, st *state.State, id string) string {
	t.Helper()

	data, err := st.GetChat(id)
	require.NoError(t, err)
	require.NotNil(t, data, "chat %s missing", id)

	return gjson.GetBytes(data, "title").String()
}

func TestTwoDevices_ChatsAndSettingsConverge(t *testing.T) {
	bucket := newBucket(t)
	ctx := t.Context()

	a := newDevice(t, bucket)
	a.putChat(t, "c1", "Trip plans", "where to?")
	a.putChat(t, "c2", "Recipes", "pasta", "bread")
	require.NoError(t, a.State.PutSetting(state.SourceLocal, "theme", []byte(`"dark"`)))
	require.NoError(t, a.Svc.SyncNow(ctx))

	b := newDevice(t, bucket)
	require.NoError(t, b.Svc.SyncNow(ctx))

	assert.Equal(t, "Trip plans", chatTitle(t, b.State, "c1"))
	assert.Equal(t, "Recipes", chatTitle(t, b.State, "c2"))

	theme, err := b.State.GetSetting(state.SourceLocal, "theme")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, string(theme))

	// B edits, A picks it up.
	b.putChat(t, "c1", "Trip plans (final)", "where to?", "Lisbon")
	require.NoError(t, b.Svc.SyncNow(ctx))
	require.NoError(t, a.Svc.SyncNow(ctx))

	assert.Equal(t, "Trip plans (final)", chatTitle(t, a.State, "c1"))

	ra, rb := a.Svc.Status(), b.Svc.Status()
	assert.Equal(t, chatsync.StatusInSync, ra.Status)
	assert.Equal(t, ra.Chats, rb.Chats)
	assert.Equal(t, ra.Settings, rb.Settings)
}

func TestBucketObjectsEncrypted(t *testing.T) {
	bucket := newBucket(t)
	ctx := t.Context()

	a := newDevice(t, bucket)
	a.putChat(t, "secret", "Private", "do not read")
	require.NoError(t, a.Svc.SyncNow(ctx))

	objects, err := bucket.List(ctx, "chats/")
	require.NoError(t, err)
	require.Len(t, objects, 1)

	blob, err := bucket.Get(ctx, objects[0].Key)
	require.NoError(t, err)
	assert.True(t, chatsync.IsEncrypted(blob))
	assert.NotContains(t, string(blob), "do not read")

	meta, err := bucket.Get(ctx, "metadata.json")
	require.NoError(t, err)
	assert.True(t, json.Valid(meta), "metadata stays plaintext JSON")
}

func TestMCP_StatusSyncBackupRestore(t *testing.T) {
	bucket := newBucket(t)
	ctx := t.Context()

	h := newHarness(t, bucket)
	h.putChat(t, "c1", "Original", "hello")

	session, err := h.mcpSession(t, h.Key)
	require.NoError(t, err)

	var synced mcpserver.SyncNowOutput
	callTool(t, session, "sync_now", nil, &synced)
	assert.Equal(t, string(chatsync.StatusInSync), synced.Status.Status)
	assert.Equal(t, 1, synced.Status.Chats)

	var bk mcpserver.BackupInfo
	callTool(t, session, "backup_now", map[string]any{"name": "before-edit"}, &bk)
	require.NotEmpty(t, bk.Key)
	assert.Equal(t, "before-edit", bk.Name)

	var list mcpserver.ListBackupsOutput
	callTool(t, session, "list_backups", nil, &list)

	var keys []string
	for _, b := range list.Backups {
		keys = append(keys, b.Key)
	}

	assert.Contains(t, keys, bk.Key)

	h.putChat(t, "c1", "Edited", "hello", "changed my mind")

	var restored mcpserver.RestoreOutput
	callTool(t, session, "restore_backup", map[string]any{"key": bk.Key}, &restored)
	assert.Equal(t, bk.Key, restored.Key)
	assert.Equal(t, 1, restored.Chats)
	assert.Equal(t, "Original", chatTitle(t, h.State, "c1"))

	// The restored copy wins on other devices too.
	require.NoError(t, h.Svc.SyncNow(ctx))

	other := newDevice(t, bucket)
	require.NoError(t, other.Svc.SyncNow(ctx))
	assert.Equal(t, "Original", chatTitle(t, other.State, "c1"))

	var status mcpserver.StatusOutput
	callTool(t, session, "sync_status", nil, &status)
	assert.Equal(t, "sync", status.Mode)
	assert.Empty(t, status.LastError)
}

func TestMCP_Unauthenticated(t *testing.T) {
	h := newHarness(t, newBucket(t))

	req, err := http.NewRequestWithContext(t.Context(), "POST", h.URL+"/mcp", nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Bearer realm="chatsync"`, resp.Header.Get("WWW-Authenticate"))
}

func TestMCP_InvalidKeyRejected(t *testing.T) {
	h := newHarness(t, newBucket(t))

	other, err := h.mcpSession(t, "cs_0000000000000000000000000000000000000000000000000000000000000000")
	assert.Error(t, err)
	assert.Nil(t, other)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, newBucket(t))

	req, err := http.NewRequestWithContext(t.Context(), "GET", h.URL+"/healthz", nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
