package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHashChat(t *testing.T, record string) string {
	t.Helper()

	h, err := HashChat([]byte(record))
	require.NoError(t, err)

	return h
}

func TestHashChat_Stability(t *testing.T) {
	base := `{"id":"c1","title":"Plans","messages":[
		{"id":"m1","role":"user","content":"hi","timestamp":100},
		{"id":"m2","role":"assistant","content":"hello","timestamp":200}
	]}`

	tests := []struct {
		name   string
		record string
		same   bool
	}{
		{
			name: "messages permuted",
			record: `{"id":"c1","title":"Plans","messages":[
				{"id":"m2","role":"assistant","content":"hello","timestamp":200},
				{"id":"m1","role":"user","content":"hi","timestamp":100}
			]}`,
			same: true,
		},
		{
			name: "message keys reordered",
			record: `{"messages":[
				{"timestamp":100,"content":"hi","role":"user","id":"m1"},
				{"content":"hello","id":"m2","timestamp":200,"role":"assistant"}
			],"title":"Plans","id":"c1"}`,
			same: true,
		},
		{
			name: "updatedAt ignored",
			record: `{"id":"c1","title":"Plans","updatedAt":999,"messages":[
				{"id":"m1","role":"user","content":"hi","timestamp":100},
				{"id":"m2","role":"assistant","content":"hello","timestamp":200}
			]}`,
			same: true,
		},
		{
			name: "title alias folded",
			record: `{"id":"c1","chatTitle":"Plans","messages":[
				{"id":"m1","role":"user","content":"hi","timestamp":100},
				{"id":"m2","role":"assistant","content":"hello","timestamp":200}
			]}`,
			same: true,
		},
		{
			name: "equivalent number forms",
			record: `{"id":"c1","title":"Plans","messages":[
				{"id":"m1","role":"user","content":"hi","timestamp":1.0e2},
				{"id":"m2","role":"assistant","content":"hello","timestamp":200.0}
			]}`,
			same: true,
		},
		{
			name: "null member dropped",
			record: `{"id":"c1","title":"Plans","folderID":null,"messages":[
				{"id":"m1","role":"user","content":"hi","timestamp":100},
				{"id":"m2","role":"assistant","content":"hello","timestamp":200}
			]}`,
			same: true,
		},
		{
			name: "message content changed",
			record: `{"id":"c1","title":"Plans","messages":[
				{"id":"m1","role":"user","content":"hi!","timestamp":100},
				{"id":"m2","role":"assistant","content":"hello","timestamp":200}
			]}`,
			same: false,
		},
		{
			name: "message timestamp changed",
			record: `{"id":"c1","title":"Plans","messages":[
				{"id":"m1","role":"user","content":"hi","timestamp":101},
				{"id":"m2","role":"assistant","content":"hello","timestamp":200}
			]}`,
			same: false,
		},
		{
			name: "title changed",
			record: `{"id":"c1","title":"Plans v2","messages":[
				{"id":"m1","role":"user","content":"hi","timestamp":100},
				{"id":"m2","role":"assistant","content":"hello","timestamp":200}
			]}`,
			same: false,
		},
		{
			name: "message removed",
			record: `{"id":"c1","title":"Plans","messages":[
				{"id":"m1","role":"user","content":"hi","timestamp":100}
			]}`,
			same: false,
		},
	}

	want := mustHashChat(t, base)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustHashChat(t, tt.record)
			if tt.same {
				assert.Equal(t, want, got)
			} else {
				assert.NotEqual(t, want, got)
			}
		})
	}
}

func TestHashChat_UnicodeNormalised(t *testing.T) {
	composed := mustHashChat(t, "{\"id\":\"c1\",\"title\":\"caf\u00e9\"}")
	decomposed := mustHashChat(t, "{\"id\":\"c1\",\"title\":\"cafe\u0301\"}")
	assert.Equal(t, composed, decomposed)
}

func TestHashChat_OrdersBySequenceWithinTimestamp(t *testing.T) {
	a := mustHashChat(t, `{"messages":[{"content":"a","timestamp":1,"sequence":1},{"content":"b","timestamp":1,"sequence":2}]}`)
	b := mustHashChat(t, `{"messages":[{"content":"b","timestamp":1,"sequence":2},{"content":"a","timestamp":1,"sequence":1}]}`)
	assert.Equal(t, a, b)
}

func TestHashChat_RFC3339Timestamps(t *testing.T) {
	a := mustHashChat(t, `{"messages":[{"id":"1","timestamp":"2026-01-01T00:00:00Z"},{"id":"2","timestamp":"2026-01-02T00:00:00Z"}]}`)
	b := mustHashChat(t, `{"messages":[{"id":"2","timestamp":"2026-01-02T00:00:00Z"},{"id":"1","timestamp":"2026-01-01T00:00:00Z"}]}`)
	assert.Equal(t, a, b)
}

func TestHashChat_InvalidJSON(t *testing.T) {
	_, err := HashChat([]byte(`{"id":`))
	require.Error(t, err)

	_, err = HashChat([]byte(`{} {}`))
	require.Error(t, err)
}

func TestHash_GenericKeepsArrayOrder(t *testing.T) {
	a, err := Hash([]byte(`[1,2,3]`), KindGeneric)
	require.NoError(t, err)

	b, err := Hash([]byte(`[3,2,1]`), KindGeneric)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashSetting(t *testing.T) {
	assert.Equal(t, HashSetting([]byte(`{"a":1,"b":2}`)), HashSetting([]byte(`{"b":2,"a":1}`)))
	assert.Equal(t, HashSetting([]byte(`"dark"`)), HashSetting([]byte(`dark`)))
	assert.NotEqual(t, HashSetting([]byte(`dark`)), HashSetting([]byte(`light`)))
	assert.Len(t, HashSetting([]byte(`free text, not json`)), 64)
}

func TestChatAccessors(t *testing.T) {
	rec := []byte(`{"chatID":"c9","chatTitle":"Hello","updatedAt":"2026-03-01T12:00:00Z"}`)

	assert.Equal(t, "c9", ChatID(rec))
	assert.Equal(t, "Hello", ChatTitle(rec))
	assert.Equal(t, int64(1772366400000), ChatUpdatedAt(rec))

	rec = []byte(`{"id":"c1","title":"T","updatedAt":1700000000000}`)
	assert.Equal(t, "c1", ChatID(rec))
	assert.Equal(t, "T", ChatTitle(rec))
	assert.Equal(t, int64(1700000000000), ChatUpdatedAt(rec))

	assert.Zero(t, ChatUpdatedAt([]byte(`{}`)))
	assert.Empty(t, ChatID([]byte(`{}`)))
}
