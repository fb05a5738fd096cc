package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/tidwall/gjson"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/state"
)

const (
	// snapshotVersion is the current backup document format.
	snapshotVersion = 1

	// snapshotEntry is the archive member holding the snapshot.
	snapshotEntry = "backup.json"

	// maxSnapshotSize bounds the decompressed snapshot read on restore.
	maxSnapshotSize = 1 << 30
)

// ErrInvalidBackupName is returned for names that cannot form a key.
var ErrInvalidBackupName = errors.New("invalid backup name")

// snapshot is the JSON document inside a backup archive.
type snapshot struct {
	Version   int                                `json:"version"`
	CreatedAt int64                              `json:"createdAt"`
	DeviceID  string                             `json:"deviceId"`
	Chats     map[string]json.RawMessage         `json:"chats"`
	Settings  map[state.Source]map[string]string `json:"settings"`
}

// Backup describes one archive in the bucket.
type Backup struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Daily     bool      `json:"daily"`
	Legacy    bool      `json:"legacy,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// RestoreResult counts what a restore wrote locally.
type RestoreResult struct {
	Chats    int `json:"chats"`
	Settings int `json:"settings"`
}

// Backups creates, lists, restores and prunes snapshot archives.
type Backups struct {
	local    LocalStore
	bucket   remote.Bucket
	uploader *remote.Uploader
	cipher   Cipher
	clock    Clock
	deviceID string
	rec      *Reconciler
	logger   *slog.Logger
}

// NewBackups returns a backup manager sharing rec's stores and cipher.
func NewBackups(rec *Reconciler) *Backups {
	return &Backups{
		local:    rec.local,
		bucket:   rec.bucket,
		uploader: rec.uploader,
		cipher:   rec.cipher,
		clock:    rec.clock,
		deviceID: rec.deviceID,
		rec:      rec,
		logger:   rec.logger,
	}
}

// Create uploads a named snapshot and returns its description.
func (b *Backups) Create(ctx context.Context, name string) (Backup, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return Backup{}, fmt.Errorf("%w: %q", ErrInvalidBackupName, name)
	}

	now := b.clock.now()
	key := namedBackupKey(name, now)

	size, err := b.write(ctx, key, now)
	if err != nil {
		return Backup{}, err
	}

	b.logger.Info("backup created", slog.String("key", key), slog.Int("bytes", size))

	return Backup{Key: key, Name: name, Size: int64(size), CreatedAt: now}, nil
}

// EnsureDaily creates today's daily snapshot if it does not exist yet. It
// reports whether one was written.
func (b *Backups) EnsureDaily(ctx context.Context) (bool, error) {
	now := b.clock.now()
	key := dailyBackupKey(now)

	exists, err := b.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("checking daily backup: %w", err)
	}

	if exists {
		return false, nil
	}

	size, err := b.write(ctx, key, now)
	if err != nil {
		return false, err
	}

	b.logger.Info("daily backup created", slog.String("key", key), slog.Int("bytes", size))

	return true, nil
}

func (b *Backups) write(ctx context.Context, key string, now time.Time) (int, error) {
	snap, err := b.snapshot(now)
	if err != nil {
		return 0, err
	}

	archive, err := encodeArchive(snap)
	if err != nil {
		return 0, err
	}

	blob, err := b.cipher.Encrypt(archive)
	if err != nil {
		return 0, err
	}

	if err := b.uploader.Upload(ctx, key, blob, remote.PutOptions{ContentType: "application/zip"}); err != nil {
		return 0, fmt.Errorf("uploading backup: %w", err)
	}

	return len(blob), nil
}

func (b *Backups) snapshot(now time.Time) (*snapshot, error) {
	chats, err := b.local.AllChats()
	if err != nil {
		return nil, fmt.Errorf("reading chats: %w", err)
	}

	snap := &snapshot{
		Version:   snapshotVersion,
		CreatedAt: now.UnixMilli(),
		DeviceID:  b.deviceID,
		Chats:     make(map[string]json.RawMessage, len(chats)),
		Settings:  make(map[state.Source]map[string]string, len(settingSources)),
	}

	for id, rec := range chats {
		if !json.Valid(rec) {
			b.logger.Warn("skipping invalid chat in backup", slog.String("chat_id", id))
			continue
		}

		snap.Chats[id] = rec
	}

	for _, src := range settingSources {
		values, err := b.local.AllSettings(src)
		if err != nil {
			return nil, fmt.Errorf("reading %s settings: %w", src, err)
		}

		m := make(map[string]string, len(values))
		for k, v := range values {
			m[k] = string(v)
		}

		snap.Settings[src] = m
	}

	return snap, nil
}

func encodeArchive(snap *snapshot) ([]byte, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	w, err := zw.Create(snapshotEntry)
	if err != nil {
		return nil, fmt.Errorf("creating archive entry: %w", err)
	}

	if err := json.NewEncoder(w).Encode(snap); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	return buf.Bytes(), nil
}

func decodeArchive(key string, data []byte) (*snapshot, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &cserrors.ConflictOrCorruptionError{Document: key, Err: err}
	}

	for _, f := range zr.File {
		if f.Name != snapshotEntry {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, &cserrors.ConflictOrCorruptionError{Document: key, Err: err}
		}

		body, err := io.ReadAll(io.LimitReader(rc, maxSnapshotSize))
		rc.Close()

		if err != nil {
			return nil, &cserrors.ConflictOrCorruptionError{Document: key, Err: err}
		}

		var snap snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			return nil, &cserrors.ConflictOrCorruptionError{Document: key, Err: err}
		}

		return &snap, nil
	}

	return nil, &cserrors.ConflictOrCorruptionError{Document: key, Err: fmt.Errorf("archive has no %s", snapshotEntry)}
}

// List returns all backups in the bucket, newest first. A legacy
// settings.json is included when present.
func (b *Backups) List(ctx context.Context) ([]Backup, error) {
	objects, err := b.bucket.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing bucket: %w", err)
	}

	var out []Backup

	for _, obj := range objects {
		switch {
		case obj.Key == legacySettingsKey:
			out = append(out, Backup{Key: obj.Key, Name: "legacy settings", Legacy: true, Size: obj.Size, CreatedAt: obj.LastModified})
		case isBackupKey(obj.Key):
			out = append(out, describeBackup(obj))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}

		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	return out, nil
}

func describeBackup(obj remote.Object) Backup {
	bk := Backup{Key: obj.Key, Size: obj.Size, CreatedAt: obj.LastModified}

	if day, ok := dailyBackupDate(obj.Key); ok {
		bk.Daily = true
		bk.Name = day.Format(time.DateOnly)
		bk.CreatedAt = day

		return bk
	}

	// s-{name}-{unixMilli}.zip
	rest := strings.TrimSuffix(strings.TrimPrefix(obj.Key, namedBackupPrefix), backupSuffix)
	if i := strings.LastIndex(rest, "-"); i > 0 {
		if ms, err := strconv.ParseInt(rest[i+1:], 10, 64); err == nil {
			bk.CreatedAt = time.UnixMilli(ms).UTC()
			rest = rest[:i]
		}
	}

	if name, err := url.PathUnescape(rest); err == nil {
		rest = name
	}

	bk.Name = rest

	return bk
}

// Restore writes a backup's chats and settings back to their local
// stores and marks them unsynced so the next push uploads them. A
// missing secret for an encrypted backup is returned as a
// ConfigurationError before anything is written.
func (b *Backups) Restore(ctx context.Context, key string) (RestoreResult, error) {
	if key != legacySettingsKey && !isBackupKey(key) {
		return RestoreResult{}, fmt.Errorf("%w: %q is not a backup", ErrInvalidBackupName, key)
	}

	blob, err := b.bucket.Get(ctx, key)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("downloading backup: %w", err)
	}

	data, err := b.cipher.Decrypt(blob)
	if err != nil {
		return RestoreResult{}, err
	}

	if key == legacySettingsKey {
		return b.restoreLegacySettings(data)
	}

	snap, err := decodeArchive(key, data)
	if err != nil {
		return RestoreResult{}, err
	}

	var (
		res      RestoreResult
		chatIDs  []string
		settings = make(map[string]state.Source)
	)

	for id, rec := range snap.Chats {
		if err := b.local.PutChat(id, rec); err != nil {
			return res, fmt.Errorf("restoring chat %s: %w", id, err)
		}

		chatIDs = append(chatIDs, id)
		res.Chats++
	}

	// Sources in precedence order: a key in both is tracked under local.
	for _, src := range settingSources {
		for k, v := range snap.Settings[src] {
			if err := b.local.PutSetting(src, k, []byte(v)); err != nil {
				return res, fmt.Errorf("restoring setting %s: %w", k, err)
			}

			if _, seen := settings[k]; !seen {
				settings[k] = src
			}

			res.Settings++
		}
	}

	sort.Strings(chatIDs)

	if err := b.rec.MarkRestored(chatIDs, settings); err != nil {
		return res, err
	}

	b.logger.Info("backup restored",
		slog.String("key", key),
		slog.Int("chats", res.Chats),
		slog.Int("settings", res.Settings),
	)

	return res, nil
}

// restoreLegacySettings restores a flat settings.json object into the
// local settings source. String values are stored unquoted.
func (b *Backups) restoreLegacySettings(data []byte) (RestoreResult, error) {
	var res RestoreResult

	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return res, &cserrors.ConflictOrCorruptionError{Document: legacySettingsKey, Err: errors.New("not a JSON object")}
	}

	var (
		keys   = make(map[string]state.Source)
		putErr error
	)

	parsed.ForEach(func(k, v gjson.Result) bool {
		value := v.Raw
		if v.Type == gjson.String {
			value = v.Str
		}

		if err := b.local.PutSetting(state.SourceLocal, k.String(), []byte(value)); err != nil {
			putErr = fmt.Errorf("restoring setting %s: %w", k.String(), err)
			return false
		}

		keys[k.String()] = state.SourceLocal

		return true
	})

	if putErr != nil {
		return res, putErr
	}

	res.Settings = len(keys)

	if err := b.rec.MarkRestored(nil, keys); err != nil {
		return res, err
	}

	b.logger.Info("legacy settings restored", slog.Int("settings", res.Settings))

	return res, nil
}

// PruneDaily deletes daily backups older than retentionDays. Named
// backups are never pruned.
func (b *Backups) PruneDaily(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	objects, err := b.bucket.List(ctx, dailyBackupPrefix)
	if err != nil {
		return 0, fmt.Errorf("listing daily backups: %w", err)
	}

	today := b.clock.now().UTC().Truncate(24 * time.Hour)
	cutoff := today.AddDate(0, 0, -retentionDays)
	pruned := 0

	for _, obj := range objects {
		day, ok := dailyBackupDate(obj.Key)
		if !ok || !day.Before(cutoff) {
			continue
		}

		if err := b.bucket.Delete(ctx, obj.Key); err != nil {
			return pruned, fmt.Errorf("deleting %s: %w", obj.Key, err)
		}

		pruned++
	}

	if pruned > 0 {
		b.logger.Info("pruned daily backups", slog.Int("count", pruned))
	}

	return pruned, nil
}
