package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
)

type memObject struct {
	data     []byte
	opts     PutOptions
	modified time.Time
}

type memUpload struct {
	key       string
	opts      PutOptions
	parts     map[int32][]byte
	initiated time.Time
}

// MemStore is an in-memory Bucket. It backs tests and dry runs.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	uploads map[string]*memUpload
	nextID  int
	now     func() time.Time
}

// NewMemStore returns an empty in-memory bucket.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string]memObject),
		uploads: make(map[string]*memUpload),
		now:     time.Now,
	}
}

// SetClock overrides the time source used for LastModified and upload
// initiation times.
func (m *MemStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.now = now
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, cserrors.ErrNotFound)
	}

	return append([]byte(nil), obj.data...), nil
}

func (m *MemStore) Put(_ context.Context, key string, data []byte, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[key] = memObject{data: append([]byte(nil), data...), opts: opts, modified: m.now()}

	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)

	return nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Object

	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Object{Key: k, Size: int64(len(obj.data)), LastModified: obj.modified})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

func (m *MemStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[key]

	return ok, nil
}

// Options returns the PutOptions an object was stored with.
func (m *MemStore) Options(key string) (PutOptions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]

	return obj.opts, ok
}

// Len returns the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.objects)
}

func (m *MemStore) CreateMultipartUpload(_ context.Context, key string, opts PutOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := "upload-" + strconv.Itoa(m.nextID)
	m.uploads[id] = &memUpload{key: key, opts: opts, parts: make(map[int32][]byte), initiated: m.now()}

	return id, nil
}

func (m *MemStore) UploadPart(_ context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return "", fmt.Errorf("upload part %s: %w", uploadID, cserrors.ErrNotFound)
	}

	up.parts[partNumber] = append([]byte(nil), data...)

	return fmt.Sprintf("etag-%s-%d", uploadID, partNumber), nil
}

func (m *MemStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []CompletedPart) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	up, ok := m.uploads[uploadID]
	if !ok || up.key != key {
		return fmt.Errorf("complete upload %s: %w", uploadID, cserrors.ErrNotFound)
	}

	var body []byte

	for _, p := range parts {
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("complete upload %s: part %d missing", uploadID, p.PartNumber)
		}

		body = append(body, data...)
	}

	m.objects[key] = memObject{data: body, opts: up.opts, modified: m.now()}
	delete(m.uploads, uploadID)

	return nil
}

func (m *MemStore) AbortMultipartUpload(_ context.Context, _ string, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.uploads, uploadID)

	return nil
}

func (m *MemStore) ListMultipartUploads(_ context.Context) ([]PendingUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingUpload, 0, len(m.uploads))
	for id, up := range m.uploads {
		out = append(out, PendingUpload{Key: up.key, UploadID: id, Initiated: up.initiated})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UploadID < out[j].UploadID })

	return out, nil
}
