package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/state"
)

// LocalStore is the local persistence the engine reads and writes.
// *state.State implements it.
type LocalStore interface {
	ChatIDs() ([]string, error)
	GetChat(id string) ([]byte, error)
	PutChat(id string, data []byte) error
	DeleteChat(id string) error
	AllChats() (map[string][]byte, error)

	GetSetting(src state.Source, key string) ([]byte, error)
	PutSetting(src state.Source, key string, value []byte) error
	DeleteSetting(src state.Source, key string) error
	AllSettings(src state.Source) (map[string][]byte, error)

	Metadata() ([]byte, error)
	SetMetadata(data []byte) error
}

// settingSources lists settings stores in precedence order. When a key
// exists in both, the first source owns it.
var settingSources = []state.Source{state.SourceLocal, state.SourceExternal}

// MetadataStore owns the local SyncMetadata document and reads and writes
// the remote copy.
type MetadataStore struct {
	local    LocalStore
	bucket   remote.Store
	uploader *remote.Uploader
	clock    Clock
	excluded func(key string) bool
	logger   *slog.Logger
}

// NewMetadataStore returns a store over the given local and remote sides.
// excluded may be nil.
func NewMetadataStore(local LocalStore, bucket remote.Store, clock Clock, excluded func(string) bool, logger *slog.Logger) *MetadataStore {
	if excluded == nil {
		excluded = func(string) bool { return false }
	}

	return &MetadataStore{local: local, bucket: bucket, clock: clock, excluded: excluded, logger: logger}
}

// Load returns the persisted document. An absent or corrupt document is
// rebuilt from the local chats and settings with every record unsynced.
func (m *MetadataStore) Load() (*SyncMetadata, error) {
	data, err := m.local.Metadata()
	if err != nil {
		m.logger.Warn("reading local metadata, rebuilding", slog.String("error", err.Error()))
		return m.Rebuild()
	}

	if data == nil {
		return m.Rebuild()
	}

	meta, err := ParseSyncMetadata(data)
	if err != nil {
		corrupt := &cserrors.ConflictOrCorruptionError{Document: "local metadata", Err: err}
		m.logger.Warn("local metadata corrupt, rebuilding", slog.String("error", corrupt.Error()))

		return m.Rebuild()
	}

	return meta, nil
}

// Peek returns the persisted document without repairing it. An absent
// or corrupt document yields nil.
func (m *MetadataStore) Peek() (*SyncMetadata, error) {
	data, err := m.local.Metadata()
	if err != nil {
		return nil, fmt.Errorf("reading local metadata: %w", err)
	}

	if data == nil {
		return nil, nil
	}

	meta, err := ParseSyncMetadata(data)
	if err != nil {
		return nil, nil //nolint:nilerr // corrupt metadata is rebuilt by the next sync pass
	}

	return meta, nil
}

// Rebuild derives metadata from the local records. Every entry gets
// syncedAt = 0 so the next pass re-syncs everything.
func (m *MetadataStore) Rebuild() (*SyncMetadata, error) {
	meta := NewSyncMetadata()
	now := m.clock.nowMillis()

	chats, err := m.local.AllChats()
	if err != nil {
		return nil, fmt.Errorf("listing local chats: %w", err)
	}

	for id, rec := range chats {
		hash, err := HashChat(rec)
		if err != nil {
			m.logger.Warn("skipping unreadable chat",
				slog.String("chat_id", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		modified := ChatUpdatedAt(rec)
		if modified == 0 {
			modified = now
		}

		meta.Chats[id] = &Live{Hash: hash, LastModified: modified}
	}

	for _, src := range settingSources {
		values, err := m.local.AllSettings(src)
		if err != nil {
			return nil, fmt.Errorf("listing %s settings: %w", src, err)
		}

		for key, value := range values {
			if m.excluded(key) {
				continue
			}

			if _, taken := meta.Settings.Items[key]; taken {
				continue
			}

			meta.Settings.Items[key] = &Live{Hash: HashSetting(value), LastModified: now, Source: src}
		}
	}

	if len(meta.Settings.Items) > 0 {
		meta.Settings.LastModified = now
	}

	m.logger.Info("rebuilt local metadata",
		slog.Int("chats", len(meta.Chats)),
		slog.Int("settings", len(meta.Settings.Items)),
	)

	if err := m.Save(meta); err != nil {
		return nil, err
	}

	return meta, nil
}

// Save persists the document and reads it back. A read-back mismatch is
// logged, not returned.
func (m *MetadataStore) Save(meta *SyncMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	if err := m.local.SetMetadata(data); err != nil {
		return fmt.Errorf("saving metadata: %w", err)
	}

	back, err := m.local.Metadata()
	if err != nil || !bytes.Equal(back, data) {
		m.logger.Warn("metadata read-back did not match write")
	}

	return nil
}

// DownloadRemote fetches the remote document. When none exists an empty
// one is uploaded and returned with created = true.
func (m *MetadataStore) DownloadRemote(ctx context.Context) (*SyncMetadata, bool, error) {
	data, err := m.bucket.Get(ctx, metadataKey)
	if errors.Is(err, cserrors.ErrNotFound) {
		meta := NewSyncMetadata()
		if err := m.UploadRemote(ctx, meta); err != nil {
			return nil, false, fmt.Errorf("creating remote metadata: %w", err)
		}

		m.logger.Info("created remote metadata for new bucket")

		return meta, true, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("downloading remote metadata: %w", err)
	}

	meta, err := ParseSyncMetadata(data)
	if err != nil {
		return nil, false, &cserrors.ConflictOrCorruptionError{Document: metadataKey, Err: err}
	}

	return meta, false, nil
}

// WithUploader routes UploadRemote through u so a large document goes
// up in parts.
func (m *MetadataStore) WithUploader(u *remote.Uploader) *MetadataStore {
	m.uploader = u
	return m
}

// UploadRemote writes the remote document with no-cache headers and
// server-side encryption.
func (m *MetadataStore) UploadRemote(ctx context.Context, meta *SyncMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding remote metadata: %w", err)
	}

	opts := remote.PutOptions{
		ContentType:          "application/json",
		CacheControl:         remote.NoCache,
		ServerSideEncryption: true,
	}

	if m.uploader != nil {
		err = m.uploader.Upload(ctx, metadataKey, data, opts)
	} else {
		err = m.bucket.Put(ctx, metadataKey, data, opts)
	}

	if err != nil {
		return fmt.Errorf("uploading remote metadata: %w", err)
	}

	return nil
}
