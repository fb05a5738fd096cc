package remote

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Bucket so every request first waits on a token
// bucket limiter.
type RateLimited struct {
	next    Bucket
	limiter *rate.Limiter
}

// NewRateLimited returns next unchanged when rps is not positive.
func NewRateLimited(next Bucket, rps float64, burst int) Bucket {
	if rps <= 0 {
		return next
	}

	if burst < 1 {
		burst = 1
	}

	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Get(ctx context.Context, key string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.next.Get(ctx, key)
}

func (r *RateLimited) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.next.Put(ctx, key, data, opts)
}

func (r *RateLimited) Delete(ctx context.Context, key string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.next.Delete(ctx, key)
}

func (r *RateLimited) List(ctx context.Context, prefix string) ([]Object, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.next.List(ctx, prefix)
}

func (r *RateLimited) Exists(ctx context.Context, key string) (bool, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return false, err
	}

	return r.next.Exists(ctx, key)
}

func (r *RateLimited) CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}

	return r.next.CreateMultipartUpload(ctx, key, opts)
}

func (r *RateLimited) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}

	return r.next.UploadPart(ctx, key, uploadID, partNumber, data)
}

func (r *RateLimited) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.next.CompleteMultipartUpload(ctx, key, uploadID, parts)
}

func (r *RateLimited) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	return r.next.AbortMultipartUpload(ctx, key, uploadID)
}

func (r *RateLimited) ListMultipartUploads(ctx context.Context) ([]PendingUpload, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	return r.next.ListMultipartUploads(ctx)
}
