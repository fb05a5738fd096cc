package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBuckets(t *testing.T) map[string]Bucket {
	t.Helper()
	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Bucket{
		"mem": NewMemStore(),
		"dir": dir,
	}
}

// --- Store contract ---

func TestStore_GetMissing(t *testing.T) {
	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(context.Background(), "chats/nope.json")
			assert.ErrorIs(t, err, cserrors.ErrNotFound)

			ok, err := b.Exists(context.Background(), "chats/nope.json")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "chats/a.json", []byte("one"), PutOptions{}))
			require.NoError(t, b.Put(ctx, "chats/a.json", []byte("two"), PutOptions{}))

			got, err := b.Get(ctx, "chats/a.json")
			require.NoError(t, err)
			assert.Equal(t, "two", string(got))

			ok, err := b.Exists(ctx, "chats/a.json")
			require.NoError(t, err)
			assert.True(t, ok)

			require.NoError(t, b.Delete(ctx, "chats/a.json"))
			require.NoError(t, b.Delete(ctx, "chats/a.json"))

			_, err = b.Get(ctx, "chats/a.json")
			assert.ErrorIs(t, err, cserrors.ErrNotFound)
		})
	}
}

func TestStore_ListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, "chats/b.json", []byte("b"), PutOptions{}))
			require.NoError(t, b.Put(ctx, "chats/a.json", []byte("aa"), PutOptions{}))
			require.NoError(t, b.Put(ctx, "settings/theme.json", []byte("t"), PutOptions{}))
			require.NoError(t, b.Put(ctx, "metadata.json", []byte("{}"), PutOptions{}))

			objs, err := b.List(ctx, "chats/")
			require.NoError(t, err)
			require.Len(t, objs, 2)
			assert.Equal(t, "chats/a.json", objs[0].Key)
			assert.Equal(t, int64(2), objs[0].Size)
			assert.Equal(t, "chats/b.json", objs[1].Key)

			all, err := b.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 4)
		})
	}
}

func TestDirStore_RejectsTraversal(t *testing.T) {
	d, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape", "chats/../../x", "a\x00b", ".uploads/x"} {
		assert.Error(t, d.Put(context.Background(), key, []byte("x"), PutOptions{}), "key %q", key)
	}
}

func TestMemStore_KeepsOptions(t *testing.T) {
	m := NewMemStore()
	opts := PutOptions{CacheControl: NoCache, ServerSideEncryption: true}
	require.NoError(t, m.Put(context.Background(), "metadata.json", []byte("{}"), opts))

	got, ok := m.Options("metadata.json")
	require.True(t, ok)
	assert.Equal(t, opts, got)
	assert.Equal(t, 1, m.Len())
}

// --- Multipart ---

func TestUploader_SmallBodyUsesPut(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := NewMockBucket(ctrl)
	b.EXPECT().Put(gomock.Any(), "chats/a.json", []byte("small"), PutOptions{}).Return(nil)

	u := NewUploader(b, testLogger())
	require.NoError(t, u.Upload(context.Background(), "chats/a.json", []byte("small"), PutOptions{}))
}

func TestUploader_DefaultThreshold(t *testing.T) {
	opts := PutOptions{ContentType: "application/json", CacheControl: NoCache, ServerSideEncryption: true}

	t.Run("at threshold", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		b := NewMockBucket(ctrl)
		b.EXPECT().Put(gomock.Any(), "metadata.json", gomock.Len(MultipartThreshold), opts).Return(nil)

		u := NewUploader(b, testLogger())
		require.NoError(t, u.Upload(context.Background(), "metadata.json", make([]byte, MultipartThreshold), opts))
	})

	t.Run("above threshold", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		b := NewMockBucket(ctrl)
		gomock.InOrder(
			b.EXPECT().CreateMultipartUpload(gomock.Any(), "metadata.json", opts).Return("u1", nil),
			b.EXPECT().UploadPart(gomock.Any(), "metadata.json", "u1", int32(1), gomock.Len(DefaultPartSize)).Return("e1", nil),
			b.EXPECT().UploadPart(gomock.Any(), "metadata.json", "u1", int32(2), gomock.Len(1)).Return("e2", nil),
			b.EXPECT().CompleteMultipartUpload(gomock.Any(), "metadata.json", "u1", []CompletedPart{
				{PartNumber: 1, ETag: "e1"},
				{PartNumber: 2, ETag: "e2"},
			}).Return(nil),
		)

		u := NewUploader(b, testLogger())
		require.NoError(t, u.Upload(context.Background(), "metadata.json", make([]byte, MultipartThreshold+1), opts))
	})
}

func TestUploader_LargeBodySplitsIntoParts(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBuckets(t) {
		t.Run(name, func(t *testing.T) {
			body := bytes.Repeat([]byte("0123456789"), 25)
			u := NewUploader(b, testLogger()).WithPartPolicy(100, 3, time.Millisecond)

			require.NoError(t, u.Upload(ctx, "backups/big.zip", body, PutOptions{}))

			got, err := b.Get(ctx, "backups/big.zip")
			require.NoError(t, err)
			assert.Equal(t, body, got)

			pending, err := b.ListMultipartUploads(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)
		})
	}
}

func TestUploader_PartRetrySucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := NewMockBucket(ctrl)

	body := bytes.Repeat([]byte("x"), 15)
	gomock.InOrder(
		b.EXPECT().CreateMultipartUpload(gomock.Any(), "k", gomock.Any()).Return("u1", nil),
		b.EXPECT().UploadPart(gomock.Any(), "k", "u1", int32(1), gomock.Any()).Return("e1", nil),
		b.EXPECT().UploadPart(gomock.Any(), "k", "u1", int32(2), gomock.Any()).Return("", errors.New("timeout")),
		b.EXPECT().UploadPart(gomock.Any(), "k", "u1", int32(2), gomock.Any()).Return("e2", nil),
		b.EXPECT().UploadPart(gomock.Any(), "k", "u1", int32(3), gomock.Any()).Return("e3", nil),
		b.EXPECT().CompleteMultipartUpload(gomock.Any(), "k", "u1", []CompletedPart{
			{PartNumber: 1, ETag: "e1"},
			{PartNumber: 2, ETag: "e2"},
			{PartNumber: 3, ETag: "e3"},
		}).Return(nil),
	)

	u := NewUploader(b, testLogger()).WithPartPolicy(5, 3, time.Millisecond)
	require.NoError(t, u.Upload(context.Background(), "k", body, PutOptions{}))
}

func TestUploader_PartExhaustedAbortsWithCapacityError(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := NewMockBucket(ctrl)

	b.EXPECT().CreateMultipartUpload(gomock.Any(), "k", gomock.Any()).Return("u1", nil)
	b.EXPECT().UploadPart(gomock.Any(), "k", "u1", int32(1), gomock.Any()).Return("", errors.New("slow down")).Times(3)
	b.EXPECT().AbortMultipartUpload(gomock.Any(), "k", "u1").Return(nil)

	u := NewUploader(b, testLogger()).WithPartPolicy(5, 3, time.Millisecond)
	err := u.Upload(context.Background(), "k", bytes.Repeat([]byte("x"), 12), PutOptions{})

	var capErr *cserrors.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Part)
	assert.Equal(t, "k", capErr.Key)
}

func TestSweepStaleUploads(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return start })
	_, err := m.CreateMultipartUpload(ctx, "old.zip", PutOptions{})
	require.NoError(t, err)

	m.SetClock(func() time.Time { return start.Add(4 * time.Minute) })
	_, err = m.CreateMultipartUpload(ctx, "fresh.zip", PutOptions{})
	require.NoError(t, err)

	n, err := SweepStaleUploads(ctx, m, StaleUploadAge, start.Add(6*time.Minute), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := m.ListMultipartUploads(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "fresh.zip", left[0].Key)
}

// --- RateLimited ---

func TestNewRateLimited_DisabledReturnsNext(t *testing.T) {
	m := NewMemStore()
	assert.Same(t, Bucket(m), NewRateLimited(m, 0, 1))
}

func TestRateLimited_PassesThrough(t *testing.T) {
	ctx := context.Background()
	b := NewRateLimited(NewMemStore(), 1000, 10)

	require.NoError(t, b.Put(ctx, "a", []byte("1"), PutOptions{}))
	got, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestRateLimited_HonoursContext(t *testing.T) {
	b := NewRateLimited(NewMemStore(), 0.001, 1)
	ctx, cancel := context.WithCancel(context.Background())

	// First call consumes the burst; the second must wait and sees the
	// cancelled context.
	_, _ = b.Exists(ctx, "a")
	cancel()

	_, err := b.Exists(ctx, "a")
	assert.Error(t, err)
}
