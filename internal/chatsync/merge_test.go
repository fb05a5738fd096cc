package chatsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeChat(t *testing.T, data []byte) map[string]any {
	t.Helper()

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))

	return out
}

func messageIDs(t *testing.T, chat map[string]any) []string {
	t.Helper()

	msgs, ok := chat["messages"].([]any)
	require.True(t, ok)

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.(map[string]any)["id"].(string))
	}

	return ids
}

func TestMergeChats_UnionsMessages(t *testing.T) {
	local := chatRecord(t, "c1", "Chat", 100, msg("m1", "one", 10), msg("m2", "two", 20))
	remote := chatRecord(t, "c1", "Chat", 100, msg("m2", "two", 20), msg("m3", "three", 30))

	merged, err := MergeChats(local, remote)
	require.NoError(t, err)

	assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(t, decodeChat(t, merged)))
}

func TestMergeChats_SortsByTimestamp(t *testing.T) {
	local := chatRecord(t, "c1", "Chat", 100, msg("late", "z", 300))
	remote := chatRecord(t, "c1", "Chat", 100, msg("early", "a", 100), msg("mid", "m", 200))

	merged, err := MergeChats(local, remote)
	require.NoError(t, err)

	assert.Equal(t, []string{"early", "mid", "late"}, messageIDs(t, decodeChat(t, merged)))
}

func TestMergeChats_LocalMessageNeverReplaced(t *testing.T) {
	local := chatRecord(t, "c1", "Chat", 100, msg("m1", "local edit", 10))
	remote := chatRecord(t, "c1", "Chat", 200, msg("m1", "remote edit", 10))

	merged, err := MergeChats(local, remote)
	require.NoError(t, err)

	msgs := decodeChat(t, merged)["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "local edit", msgs[0].(map[string]any)["content"])
}

func TestMergeChats_MetadataFollowsNewerSide(t *testing.T) {
	tests := []struct {
		name          string
		localUpdated  int64
		remoteUpdated int64
		wantTitle     string
		wantUpdated   float64
	}{
		{name: "remote newer", localUpdated: 100, remoteUpdated: 200, wantTitle: "Remote", wantUpdated: 200},
		{name: "local newer", localUpdated: 300, remoteUpdated: 200, wantTitle: "Local", wantUpdated: 300},
		{name: "tie keeps local", localUpdated: 200, remoteUpdated: 200, wantTitle: "Local", wantUpdated: 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := chatRecord(t, "c1", "Local", tt.localUpdated)
			remote := chatRecord(t, "c1", "Remote", tt.remoteUpdated)

			merged, err := MergeChats(local, remote)
			require.NoError(t, err)

			got := decodeChat(t, merged)
			assert.Equal(t, tt.wantTitle, got["title"])
			assert.InDelta(t, tt.wantUpdated, got["updatedAt"], 0)
		})
	}
}

func TestMergeChats_TitleAliasFromNewerRemote(t *testing.T) {
	local := []byte(`{"id":"c1","title":"Old","updatedAt":1}`)
	remote := []byte(`{"id":"c1","chatTitle":"New","folderID":"f2","updatedAt":2}`)

	merged, err := MergeChats(local, remote)
	require.NoError(t, err)

	got := decodeChat(t, merged)
	assert.NotContains(t, got, "title")
	assert.Equal(t, "New", got["chatTitle"])
	assert.Equal(t, "f2", got["folderID"])
	assert.Equal(t, "New", ChatTitle(merged))
}

func TestMergeChats_MessagesWithoutIDDedupedByContent(t *testing.T) {
	local := []byte(`{"messages":[{"content":"same","timestamp":1}]}`)
	remote := []byte(`{"messages":[{"timestamp":1,"content":"same"},{"content":"other","timestamp":2}]}`)

	merged, err := MergeChats(local, remote)
	require.NoError(t, err)

	msgs := decodeChat(t, merged)["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestMergeChats_KeepsUnknownFields(t *testing.T) {
	local := []byte(`{"id":"c1","model":"gpt","tags":["a"],"messages":[]}`)
	remote := []byte(`{"id":"c1","messages":[]}`)

	merged, err := MergeChats(local, remote)
	require.NoError(t, err)

	got := decodeChat(t, merged)
	assert.Equal(t, "gpt", got["model"])
	assert.Equal(t, []any{"a"}, got["tags"])
}

func TestMergeChats_Idempotent(t *testing.T) {
	local := chatRecord(t, "c1", "Chat", 100, msg("m1", "one", 10))
	remote := chatRecord(t, "c1", "Chat", 100, msg("m2", "two", 20))

	once, err := MergeChats(local, remote)
	require.NoError(t, err)

	twice, err := MergeChats(once, remote)
	require.NoError(t, err)

	assert.Equal(t, mustHashChat(t, string(once)), mustHashChat(t, string(twice)))
}

func TestMergeChats_InvalidInput(t *testing.T) {
	_, err := MergeChats([]byte(`[]`), []byte(`{}`))
	require.Error(t, err)

	_, err = MergeChats([]byte(`{}`), []byte(`{`))
	require.Error(t, err)
}
