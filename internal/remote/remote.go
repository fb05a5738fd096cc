// Package remote abstracts the object-storage bucket the sync engine
// reads and writes. Keys are bucket-relative; there are no cross-key
// transactions, and a read after a write to the same key observes it.
package remote

import (
	"context"
	"time"
)

// PutOptions controls how an object is stored.
type PutOptions struct {
	ContentType string

	// CacheControl is sent to the bucket so intermediaries do not cache
	// the object. The metadata document depends on it.
	CacheControl string

	// ServerSideEncryption requests AES-256 encryption at rest.
	ServerSideEncryption bool
}

// Object describes one listed object.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// CompletedPart identifies an uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// PendingUpload is an incomplete multipart upload.
type PendingUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// Store is the object API the sync engine needs. Get returns an error
// wrapping errors.ErrNotFound for missing keys; Delete of a missing key
// succeeds.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Multipart is the multipart upload API used for large bodies.
type Multipart interface {
	CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	ListMultipartUploads(ctx context.Context) ([]PendingUpload, error)
}

// Bucket is a Store that also supports multipart uploads.
type Bucket interface {
	Store
	Multipart
}

// NoCache is the Cache-Control value for documents that must never be
// served stale.
const NoCache = "no-cache, no-store, must-revalidate"
