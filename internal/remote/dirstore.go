package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/google/uuid"
)

const (
	// dirStorePerm is the permission mode for directories in the bucket.
	dirStorePerm = fs.FileMode(0o700)

	// fileStorePerm is the permission mode for object files.
	fileStorePerm = fs.FileMode(0o600)

	// uploadsDir holds in-progress multipart uploads. It is hidden from
	// List.
	uploadsDir = ".uploads"
)

type uploadManifest struct {
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

// DirStore is a Bucket backed by a local directory. Object keys map to
// relative file paths. Writes go through a temp file and rename so a
// reader never sees a partial object.
type DirStore struct {
	dir string
	mu  sync.RWMutex
}

// NewDirStore creates a DirStore rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("bucket directory must not be empty")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving bucket directory: %w", err)
	}

	if err := os.MkdirAll(abs, dirStorePerm); err != nil {
		return nil, fmt.Errorf("creating bucket directory %s: %w", abs, err)
	}

	return &DirStore{dir: abs}, nil
}

// Dir returns the root directory of the bucket.
func (d *DirStore) Dir() string {
	return d.dir
}

func (d *DirStore) Get(_ context.Context, key string) ([]byte, error) {
	abs, err := d.resolve(key)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(abs) //nolint:gosec // G304: abs validated by DirStore.resolve
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("get %s: %w", key, cserrors.ErrNotFound)
	}

	if err != nil {
		return nil, &cserrors.TransientIOError{Op: "get", Key: key, Err: err}
	}

	return data, nil
}

func (d *DirStore) Put(_ context.Context, key string, data []byte, _ PutOptions) error {
	abs, err := d.resolve(key)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := writeAtomic(abs, data); err != nil {
		return &cserrors.TransientIOError{Op: "put", Key: key, Err: err}
	}

	return nil
}

func (d *DirStore) Delete(_ context.Context, key string) error {
	abs, err := d.resolve(key)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return &cserrors.TransientIOError{Op: "delete", Key: key, Err: err}
	}

	return nil
}

func (d *DirStore) List(_ context.Context, prefix string) ([]Object, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Object

	err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(d.dir, path)
		if err != nil {
			return err
		}

		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if rel == uploadsDir {
				return filepath.SkipDir
			}

			return nil
		}

		if strings.HasSuffix(rel, ".tmp") || !strings.HasPrefix(rel, prefix) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		out = append(out, Object{Key: rel, Size: info.Size(), LastModified: info.ModTime()})

		return nil
	})
	if err != nil {
		return nil, &cserrors.TransientIOError{Op: "list", Key: prefix, Err: err}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

func (d *DirStore) Exists(_ context.Context, key string) (bool, error) {
	abs, err := d.resolve(key)
	if err != nil {
		return false, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	_, err = os.Stat(abs)
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, &cserrors.TransientIOError{Op: "stat", Key: key, Err: err}
	}

	return true, nil
}

func (d *DirStore) uploadPath(uploadID string) (string, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return "", fmt.Errorf("invalid upload id %q", uploadID)
	}

	return filepath.Join(d.dir, uploadsDir, uploadID), nil
}

func (d *DirStore) CreateMultipartUpload(_ context.Context, key string, _ PutOptions) (string, error) {
	if _, err := d.resolve(key); err != nil {
		return "", err
	}

	id := uuid.NewString()
	dir := filepath.Join(d.dir, uploadsDir, id)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := os.MkdirAll(dir, dirStorePerm); err != nil {
		return "", &cserrors.TransientIOError{Op: "create upload", Key: key, Err: err}
	}

	manifest, err := json.Marshal(uploadManifest{Key: key, Initiated: time.Now().UTC()})
	if err != nil {
		return "", err
	}

	if err := writeAtomic(filepath.Join(dir, "manifest.json"), manifest); err != nil {
		return "", &cserrors.TransientIOError{Op: "create upload", Key: key, Err: err}
	}

	return id, nil
}

func (d *DirStore) UploadPart(_ context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	dir, err := d.uploadPath(uploadID)
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("upload part %s: %w", uploadID, cserrors.ErrNotFound)
	}

	name := "part-" + strconv.Itoa(int(partNumber))
	if err := writeAtomic(filepath.Join(dir, name), data); err != nil {
		return "", &cserrors.TransientIOError{Op: "upload part", Key: key, Err: err}
	}

	return name, nil
}

func (d *DirStore) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []CompletedPart) error {
	dir, err := d.uploadPath(uploadID)
	if err != nil {
		return err
	}

	abs, err := d.resolve(key)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var body []byte

	for _, p := range parts {
		data, err := os.ReadFile(filepath.Join(dir, "part-"+strconv.Itoa(int(p.PartNumber)))) //nolint:gosec // G304: dir built from a parsed uuid
		if err != nil {
			return fmt.Errorf("complete upload %s: reading part %d: %w", uploadID, p.PartNumber, err)
		}

		body = append(body, data...)
	}

	if err := writeAtomic(abs, body); err != nil {
		return &cserrors.TransientIOError{Op: "complete upload", Key: key, Err: err}
	}

	return os.RemoveAll(dir)
}

func (d *DirStore) AbortMultipartUpload(_ context.Context, _ string, uploadID string) error {
	dir, err := d.uploadPath(uploadID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return os.RemoveAll(dir)
}

func (d *DirStore) ListMultipartUploads(_ context.Context) ([]PendingUpload, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(d.dir, uploadsDir))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, &cserrors.TransientIOError{Op: "list uploads", Err: err}
	}

	var out []PendingUpload

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		data, err := os.ReadFile(filepath.Join(d.dir, uploadsDir, e.Name(), "manifest.json")) //nolint:gosec // G304: entry under the uploads dir
		if err != nil {
			continue
		}

		var m uploadManifest
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}

		out = append(out, PendingUpload{Key: m.Key, UploadID: e.Name(), Initiated: m.Initiated})
	}

	return out, nil
}

// resolve converts an object key to an absolute path inside the bucket
// directory, rejecting traversal and the reserved uploads prefix.
func (d *DirStore) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}

	if strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("key contains null byte: %q", key)
	}

	key = strings.ReplaceAll(key, "\\", "/")

	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("key contains ..: %q", key)
		}
	}

	if key == uploadsDir || strings.HasPrefix(key, uploadsDir+"/") {
		return "", fmt.Errorf("key uses reserved prefix: %q", key)
	}

	abs := filepath.Join(d.dir, filepath.FromSlash(key))
	if !strings.HasPrefix(abs, d.dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("key %q resolves outside bucket dir", key)
	}

	return abs, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirStorePerm); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, fileStorePerm); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return nil
}
