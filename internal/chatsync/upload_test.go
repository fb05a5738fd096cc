package chatsync

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// putRecorder is a MemStore that remembers every single-request Put.
type putRecorder struct {
	*remote.MemStore

	mu   sync.Mutex
	puts map[string]int
}

func newPutRecorder() *putRecorder {
	return &putRecorder{MemStore: remote.NewMemStore(), puts: make(map[string]int)}
}

func (p *putRecorder) Put(ctx context.Context, key string, data []byte, opts remote.PutOptions) error {
	p.mu.Lock()
	p.puts[key] = len(data)
	p.mu.Unlock()

	return p.MemStore.Put(ctx, key, data, opts)
}

// oversized lists keys written in one request above the multipart
// threshold.
func (p *putRecorder) oversized() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var keys []string

	for k, n := range p.puts {
		if n > remote.MultipartThreshold {
			keys = append(keys, k)
		}
	}

	return keys
}

func TestSync_LargeSettingUsesMultipart(t *testing.T) {
	bucket := newPutRecorder()
	clock := newTestClock()
	a := newDevice(t, bucket, clock, "secret")
	b := newDevice(t, bucket, clock, "secret")

	big := []byte(`"` + strings.Repeat("p", 6<<20) + `"`)
	require.NoError(t, a.local.PutSetting(state.SourceLocal, "bigPrompt", big))
	require.NoError(t, a.local.PutChat("c1", chatRecord(t, "c1", "One", 1, msg("m1", strings.Repeat("x", 6<<20), 1))))

	_, to := a.sync(t)
	assert.Positive(t, to.Uploaded)
	assert.Empty(t, bucket.oversized())

	b.sync(t)

	got, err := b.local.GetSetting(state.SourceLocal, "bigPrompt")
	require.NoError(t, err)
	assert.Equal(t, big, got)

	pending, err := bucket.ListMultipartUploads(t.Context())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMetadataStore_UploadRemoteMultipartKeepsOptions(t *testing.T) {
	bucket := newPutRecorder()
	clock := newTestClock()

	uploader := remote.NewUploader(bucket, quietLogger).WithPartPolicy(64, 1, time.Millisecond)
	m := NewMetadataStore(newMemLocal(), bucket, clock.Now, nil, quietLogger).WithUploader(uploader)

	meta := NewSyncMetadata()
	for i := range 10 {
		meta.Chats[strings.Repeat("c", i+1)] = &Live{Hash: strings.Repeat("h", 64), LastModified: 1}
	}

	require.NoError(t, m.UploadRemote(t.Context(), meta))

	bucket.mu.Lock()
	_, viaPut := bucket.puts[metadataKey]
	bucket.mu.Unlock()
	assert.False(t, viaPut, "metadata went up in a single request")

	opts, ok := bucket.Options(metadataKey)
	require.True(t, ok)
	assert.Equal(t, remote.NoCache, opts.CacheControl)
	assert.True(t, opts.ServerSideEncryption)

	got := remoteMeta(t, bucket)
	assert.Len(t, got.Chats, 10)
}
