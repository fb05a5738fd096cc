package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/state"
)

// TombstoneRetention is how long tombstones are kept before cleanup may
// prune them.
const TombstoneRetention = 30 * 24 * time.Hour

// CheckLocal scans local records for edits, additions and vanished
// settings and saves the metadata if anything changed.
func (r *Reconciler) CheckLocal(_ context.Context) (ScanResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.meta.Load()
	if err != nil {
		return ScanResult{}, err
	}

	res, err := r.scanner.ScanLocal(meta)
	if err != nil {
		return res, err
	}

	if !res.Changed() {
		return res, nil
	}

	r.logger.Debug("local changes detected",
		slog.Int("chats", len(res.ChangedChats)),
		slog.Int("settings", len(res.ChangedSettings)),
		slog.Int("deleted_settings", len(res.DeletedSettings)),
	)

	return res, r.meta.Save(meta)
}

// RemoteCheck is the outcome of comparing both metadata documents.
type RemoteCheck struct {
	RemoteChanges bool
	LocalChanges  bool
}

// CheckRemote compares the remote metadata with the local document
// without changing either.
func (r *Reconciler) CheckRemote(ctx context.Context, pendingSettings bool) (RemoteCheck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	remoteMeta, created, err := r.downloadRemote(ctx)
	if err != nil {
		return RemoteCheck{}, err
	}

	local, err := r.meta.Load()
	if err != nil {
		return RemoteCheck{}, err
	}

	// Excluded keys are never pulled, so they would look changed forever.
	for key := range remoteMeta.Settings.Items {
		if r.excluded(key) {
			delete(remoteMeta.Settings.Items, key)
		}
	}

	check := RemoteCheck{
		RemoteChanges: HasRemoteChanges(local, remoteMeta),
		LocalChanges:  HasLocalOnlyChanges(local, pendingSettings),
	}

	// A fresh bucket has nothing to pull but everything to push.
	if created {
		check.RemoteChanges = false
		check.LocalChanges = check.LocalChanges || local.LiveChats() > 0
	}

	return check, nil
}

// MarkDeleted records a confirmed local chat deletion as a tombstone. It
// reports false when the chat already has one or the record is back.
func (r *Reconciler) MarkDeleted(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.local.GetChat(id)
	if err != nil {
		return false, fmt.Errorf("reading local chat: %w", err)
	}

	if rec != nil {
		return false, nil
	}

	meta, err := r.meta.Load()
	if err != nil {
		return false, err
	}

	prev := meta.Chats[id]
	if _, ok := prev.(*Tombstone); ok {
		return false, nil
	}

	meta.Chats[id] = newTombstone(prev, r.clock.nowMillis(), r.deviceID)
	r.cache.Forget(id)

	r.logger.Info("chat deleted locally", slog.String("chat_id", id))

	return true, r.meta.Save(meta)
}

// DeleteRemote pushes one chat's local tombstone: the remote object is
// removed and the tombstone written to the remote metadata.
func (r *Reconciler) DeleteRemote(ctx context.Context, id string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result

	local, err := r.meta.Load()
	if err != nil {
		return res, err
	}

	lt, ok := local.Chats[id].(*Tombstone)
	if !ok {
		return res, nil
	}

	remoteMeta, _, err := r.downloadRemote(ctx)
	if err != nil {
		return res, err
	}

	p := &pass{r: r, ctx: ctx, local: local, remote: remoteMeta, now: r.clock.nowMillis(), res: &res}

	d := DecideToRemote(lt, remoteMeta.Chats[id])
	if d == DecisionSkip {
		return res, nil
	}

	if err := p.applyChat(id, d, lt, remoteMeta.Chats[id]); err != nil {
		lt.SyncedAt = 0
		p.localDirty = true
		res.Failed++

		return res, p.finish(err)
	}

	return res, p.finish(nil)
}

// MarkRestored flags restored chats and settings as freshly modified and
// unsynced so the next push uploads them over any tombstone. settings
// maps each restored key to the store it was written to.
func (r *Reconciler) MarkRestored(chatIDs []string, settings map[string]state.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.meta.Load()
	if err != nil {
		return err
	}

	now := r.clock.nowMillis()

	for _, id := range chatIDs {
		rec, err := r.local.GetChat(id)
		if err != nil {
			return fmt.Errorf("reading restored chat: %w", err)
		}

		if rec == nil {
			continue
		}

		hash, err := HashChat(rec)
		if err != nil {
			r.logger.Warn("skipping unreadable restored chat",
				slog.String("chat_id", id),
				slog.String("error", err.Error()),
			)

			continue
		}

		meta.Chats[id] = &Live{Hash: hash, LastModified: now, TombstoneVersion: tombstoneVersion(meta.Chats[id])}
		r.cache.Remember(id, rec, hash)
	}

	for _, key := range slices.Sorted(maps.Keys(settings)) {
		if r.excluded(key) {
			continue
		}

		prev := meta.Settings.Items[key]
		src := settings[key]

		value, err := r.local.GetSetting(src, key)
		if err != nil {
			return fmt.Errorf("reading restored setting: %w", err)
		}

		if value == nil {
			continue
		}

		meta.Settings.Items[key] = &Live{
			Hash:             HashSetting(value),
			LastModified:     now,
			Source:           src,
			TombstoneVersion: tombstoneVersion(prev),
		}
	}

	if len(settings) > 0 {
		meta.Settings.LastModified = now
	}

	return r.meta.Save(meta)
}

// Snapshot returns a copy of the local metadata.
func (r *Reconciler) Snapshot() (*SyncMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.meta.Load()
	if err != nil {
		return nil, err
	}

	return meta.Clone(), nil
}

// Peek is Snapshot without the rebuild: it never writes, and returns nil
// while local metadata is absent or corrupt.
func (r *Reconciler) Peek() (*SyncMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, err := r.meta.Peek()
	if err != nil || meta == nil {
		return nil, err
	}

	return meta.Clone(), nil
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	PrunedLocal   int
	PrunedRemote  int
	OrphanObjects int
}

// Cleanup prunes tombstones older than retention from both documents and
// deletes chat objects the remote metadata marks as deleted.
func (r *Reconciler) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res CleanupResult

	remoteMeta, _, err := r.downloadRemote(ctx)
	if err != nil {
		return res, err
	}

	local, err := r.meta.Load()
	if err != nil {
		return res, err
	}

	objects, err := r.bucket.List(ctx, chatPrefix)
	if err != nil {
		return res, fmt.Errorf("listing remote chats: %w", err)
	}

	for _, obj := range objects {
		id, ok := chatIDFromKey(obj.Key)
		if !ok {
			continue
		}

		if _, deleted := remoteMeta.Chats[id].(*Tombstone); !deleted {
			continue
		}

		if err := r.bucket.Delete(ctx, obj.Key); err != nil {
			r.logger.Warn("deleting leftover chat object",
				slog.String("key", obj.Key),
				slog.String("error", err.Error()),
			)

			continue
		}

		res.OrphanObjects++
	}

	cutoff := r.clock.now().Add(-retention).UnixMilli()
	prunedLocal, prunedRemote := PruneTombstones(local, remoteMeta, cutoff)
	res.PrunedLocal = len(prunedLocal)
	res.PrunedRemote = len(prunedRemote)

	if len(prunedRemote) > 0 {
		if err := r.meta.UploadRemote(ctx, remoteMeta); err != nil {
			return res, err
		}
	}

	if len(prunedLocal) > 0 {
		if err := r.meta.Save(local); err != nil {
			return res, err
		}
	}

	if res != (CleanupResult{}) {
		r.logger.Info("cleanup complete",
			slog.Int("pruned_local", res.PrunedLocal),
			slog.Int("pruned_remote", res.PrunedRemote),
			slog.Int("orphan_objects", res.OrphanObjects),
		)
	}

	return res, nil
}

// rebuildRemote reconstructs the remote metadata from the objects under
// chats/ and settings/ and uploads it.
func (r *Reconciler) rebuildRemote(ctx context.Context) (*SyncMetadata, error) {
	meta := NewSyncMetadata()
	now := r.clock.nowMillis()

	chats, err := r.bucket.List(ctx, chatPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing remote chats: %w", err)
	}

	for _, obj := range chats {
		id, ok := chatIDFromKey(obj.Key)
		if !ok {
			continue
		}

		rec, err := r.fetch(ctx, obj.Key)
		if err != nil {
			if cserrors.IsConfiguration(err) {
				return nil, err
			}

			r.logger.Warn("skipping remote chat during rebuild",
				slog.String("key", obj.Key),
				slog.String("error", err.Error()),
			)

			continue
		}

		hash, err := HashChat(rec)
		if err != nil {
			continue
		}

		modified := ChatUpdatedAt(rec)
		if modified == 0 {
			modified = obj.LastModified.UnixMilli()
		}

		meta.Chats[id] = &Live{Hash: hash, LastModified: modified, SyncedAt: now}
	}

	settings, err := r.bucket.List(ctx, settingsPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing remote settings: %w", err)
	}

	for _, obj := range settings {
		data, err := r.fetch(ctx, obj.Key)
		if err != nil {
			if cserrors.IsConfiguration(err) {
				return nil, err
			}

			continue
		}

		var payload settingPayload
		if err := json.Unmarshal(data, &payload); err != nil || payload.Key == "" {
			continue
		}

		meta.Settings.Items[payload.Key] = &Live{
			Hash:         HashSetting([]byte(payload.Value)),
			LastModified: payload.LastModified,
			SyncedAt:     now,
			Source:       payload.Source,
		}
		meta.Settings.LastModified = max(meta.Settings.LastModified, payload.LastModified)
	}

	meta.LastSyncTime = now

	if err := r.meta.UploadRemote(ctx, meta); err != nil {
		return nil, err
	}

	r.logger.Info("rebuilt remote metadata",
		slog.Int("chats", len(meta.Chats)),
		slog.Int("settings", len(meta.Settings.Items)),
	)

	return meta, nil
}

func (r *Reconciler) fetch(ctx context.Context, key string) ([]byte, error) {
	blob, err := r.bucket.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	return r.cipher.Decrypt(blob)
}

// Bucket exposes the remote store for backups and upload sweeps.
func (r *Reconciler) Bucket() remote.Bucket {
	return r.bucket
}

// Uploader exposes the multipart-aware uploader.
func (r *Reconciler) Uploader() *remote.Uploader {
	return r.uploader
}
