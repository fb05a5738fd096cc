package chatsync

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var _ LocalStore = (*state.State)(nil)

// memLocal is an in-memory LocalStore.
type memLocal struct {
	mu       sync.Mutex
	chats    map[string][]byte
	settings map[state.Source]map[string][]byte
	meta     []byte
}

func newMemLocal() *memLocal {
	return &memLocal{
		chats: make(map[string][]byte),
		settings: map[state.Source]map[string][]byte{
			state.SourceLocal:    {},
			state.SourceExternal: {},
		},
	}
}

func (m *memLocal) ChatIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Sorted(maps.Keys(m.chats)), nil
}

func (m *memLocal) GetChat(id string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.chats[id], nil
}

func (m *memLocal) PutChat(id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chats[id] = append([]byte(nil), data...)

	return nil
}

func (m *memLocal) DeleteChat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.chats, id)

	return nil
}

func (m *memLocal) AllChats() (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return maps.Clone(m.chats), nil
}

func (m *memLocal) GetSetting(src state.Source, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.settings[src]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", src)
	}

	return b[key], nil
}

func (m *memLocal) PutSetting(src state.Source, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.settings[src]
	if !ok {
		return fmt.Errorf("unknown source %q", src)
	}

	b[key] = append([]byte(nil), value...)

	return nil
}

func (m *memLocal) DeleteSetting(src state.Source, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.settings[src], key)

	return nil
}

func (m *memLocal) AllSettings(src state.Source) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.settings[src]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", src)
	}

	return maps.Clone(b), nil
}

func (m *memLocal) Metadata() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.meta, nil
}

func (m *memLocal) SetMetadata(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta = append([]byte(nil), data...)

	return nil
}

// testClock is a settable clock starting at a fixed instant.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func (c *testClock) Millis() int64 {
	return c.Now().UnixMilli()
}

// chatRecord builds a chat record JSON document.
func chatRecord(t *testing.T, id, title string, updatedAt int64, msgs ...map[string]any) []byte {
	t.Helper()

	if msgs == nil {
		msgs = []map[string]any{}
	}

	data, err := json.Marshal(map[string]any{
		"id":        id,
		"title":     title,
		"updatedAt": updatedAt,
		"messages":  msgs,
	})
	require.NoError(t, err)

	return data
}

func msg(id, content string, ts int64) map[string]any {
	return map[string]any{"id": id, "role": "user", "content": content, "timestamp": ts}
}

// device is one simulated installation sharing a bucket with others.
type device struct {
	local *memLocal
	rec   *Reconciler
	clock *testClock
}

func newDevice(t *testing.T, bucket remote.Bucket, clock *testClock, secret string) *device {
	t.Helper()

	local := newMemLocal()

	rec := NewReconciler(ReconcilerConfig{
		Local:    local,
		Bucket:   bucket,
		Cipher:   NewCipher(secret),
		Clock:    clock.Now,
		DeviceID: fmt.Sprintf("device-%p", local),
		Logger:   quietLogger,
	})

	return &device{local: local, rec: rec, clock: clock}
}

// sync runs a local scan and both passes, as the service's initial sync
// does.
func (d *device) sync(t *testing.T) (Result, Result) {
	t.Helper()

	ctx := t.Context()

	_, err := d.rec.CheckLocal(ctx)
	require.NoError(t, err)

	from, err := d.rec.SyncFromRemote(ctx)
	require.NoError(t, err)

	to, err := d.rec.SyncToRemote(ctx)
	require.NoError(t, err)

	return from, to
}

func (d *device) meta(t *testing.T) *SyncMetadata {
	t.Helper()

	meta, err := d.rec.Snapshot()
	require.NoError(t, err)

	return meta
}

func remoteMeta(t *testing.T, bucket remote.Store) *SyncMetadata {
	t.Helper()

	data, err := bucket.Get(t.Context(), metadataKey)
	require.NoError(t, err)

	meta, err := ParseSyncMetadata(data)
	require.NoError(t, err)

	return meta
}
