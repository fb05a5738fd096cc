package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
)

const (
	// MultipartThreshold is the body size above which uploads switch to
	// multipart.
	MultipartThreshold = 5 << 20

	// DefaultPartSize is the size of each multipart part. S3 requires
	// every part but the last to be at least 5MB.
	DefaultPartSize = 5 << 20

	// defaultPartAttempts bounds how often a single part is tried before
	// the whole upload is aborted.
	defaultPartAttempts = 3

	// defaultPartRetryDelay is the first retry delay; it doubles per
	// attempt.
	defaultPartRetryDelay = time.Second

	// StaleUploadAge is how old an incomplete multipart upload must be
	// before SweepStaleUploads aborts it.
	StaleUploadAge = 5 * time.Minute
)

// Uploader writes objects, switching to multipart for large bodies.
type Uploader struct {
	bucket       Bucket
	logger       *slog.Logger
	threshold    int
	partSize     int
	partAttempts int
	retryDelay   time.Duration
}

// NewUploader returns an Uploader with the default part size and retry
// policy.
func NewUploader(bucket Bucket, logger *slog.Logger) *Uploader {
	return &Uploader{
		bucket:       bucket,
		logger:       logger,
		threshold:    MultipartThreshold,
		partSize:     DefaultPartSize,
		partAttempts: defaultPartAttempts,
		retryDelay:   defaultPartRetryDelay,
	}
}

// WithPartPolicy overrides the part size, attempts per part and first
// retry delay. The multipart threshold drops to the part size so tests can
// exercise multipart with small bodies.
func (u *Uploader) WithPartPolicy(partSize, attempts int, delay time.Duration) *Uploader {
	u.threshold = partSize
	u.partSize = partSize
	u.partAttempts = attempts
	u.retryDelay = delay

	return u
}

// Upload stores data under key. Bodies larger than MultipartThreshold use
// a multipart upload carrying the same options; if any part fails after all attempts the upload is
// aborted and a CapacityError returned.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if len(data) <= u.threshold {
		return u.bucket.Put(ctx, key, data, opts)
	}

	uploadID, err := u.bucket.CreateMultipartUpload(ctx, key, opts)
	if err != nil {
		return fmt.Errorf("creating multipart upload for %s: %w", key, err)
	}

	var parts []CompletedPart

	for offset, n := 0, int32(1); offset < len(data); offset, n = offset+u.partSize, n+1 {
		end := min(offset+u.partSize, len(data))

		etag, err := u.uploadPart(ctx, key, uploadID, n, data[offset:end])
		if err != nil {
			u.abort(key, uploadID)
			return &cserrors.CapacityError{Key: key, Part: int(n), Err: err}
		}

		parts = append(parts, CompletedPart{PartNumber: n, ETag: etag})
	}

	if err := u.bucket.CompleteMultipartUpload(ctx, key, uploadID, parts); err != nil {
		u.abort(key, uploadID)
		return fmt.Errorf("completing multipart upload for %s: %w", key, err)
	}

	u.logger.Debug("multipart upload complete",
		slog.String("key", key),
		slog.Int("parts", len(parts)),
		slog.Int("bytes", len(data)),
	)

	return nil
}

func (u *Uploader) uploadPart(ctx context.Context, key, uploadID string, n int32, body []byte) (string, error) {
	var lastErr error

	delay := u.retryDelay

	for attempt := 1; attempt <= u.partAttempts; attempt++ {
		etag, err := u.bucket.UploadPart(ctx, key, uploadID, n, body)
		if err == nil {
			return etag, nil
		}

		lastErr = err

		u.logger.Warn("multipart part failed",
			slog.String("key", key),
			slog.Int("part", int(n)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		if attempt == u.partAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}

	return "", lastErr
}

// abort uses a fresh context so a cancelled caller still releases the
// upload's stored parts.
func (u *Uploader) abort(key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := u.bucket.AbortMultipartUpload(ctx, key, uploadID); err != nil {
		u.logger.Warn("aborting multipart upload",
			slog.String("key", key),
			slog.String("upload_id", uploadID),
			slog.String("error", err.Error()),
		)
	}
}

// SweepStaleUploads aborts incomplete multipart uploads initiated more
// than maxAge before now. It returns how many were aborted.
func SweepStaleUploads(ctx context.Context, m Multipart, maxAge time.Duration, now time.Time, logger *slog.Logger) (int, error) {
	uploads, err := m.ListMultipartUploads(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing multipart uploads: %w", err)
	}

	aborted := 0

	for _, up := range uploads {
		if now.Sub(up.Initiated) < maxAge {
			continue
		}

		if err := m.AbortMultipartUpload(ctx, up.Key, up.UploadID); err != nil {
			logger.Warn("aborting stale upload",
				slog.String("key", up.Key),
				slog.String("upload_id", up.UploadID),
				slog.String("error", err.Error()),
			)

			continue
		}

		aborted++
	}

	if aborted > 0 {
		logger.Info("aborted stale multipart uploads", slog.Int("count", aborted))
	}

	return aborted, nil
}
