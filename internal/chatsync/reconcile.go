package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
)

// Decision is the outcome of comparing a local entry with its remote
// counterpart. The caller performs the I/O.
type Decision int

const (
	// DecisionSkip means nothing needs doing for this item.
	DecisionSkip Decision = iota

	// DecisionMarkSynced means both sides hold the same content; only
	// local bookkeeping is updated.
	DecisionMarkSynced

	// DecisionDownload means fetch the remote record. Chats are merged
	// into an existing local copy; settings overwrite it.
	DecisionDownload

	// DecisionUpload means push the local record to the bucket.
	DecisionUpload

	// DecisionAdoptTombstone means delete the local record and store the
	// remote tombstone locally.
	DecisionAdoptTombstone

	// DecisionPushDeletion means delete the remote object and write the
	// local tombstone to the remote metadata.
	DecisionPushDeletion
)

func (d Decision) String() string {
	switch d {
	case DecisionSkip:
		return "skip"
	case DecisionMarkSynced:
		return "mark-synced"
	case DecisionDownload:
		return "download"
	case DecisionUpload:
		return "upload"
	case DecisionAdoptTombstone:
		return "adopt-tombstone"
	case DecisionPushDeletion:
		return "push-deletion"
	}

	return fmt.Sprintf("decision(%d)", int(d))
}

// decideTombstoneFromRemote handles a remote tombstone for any entry. A
// live entry modified after the deletion is a restoration and is kept.
func decideTombstoneFromRemote(le Entry, re *Tombstone) Decision {
	switch l := le.(type) {
	case *Live:
		if l.LastModified > re.DeletedAt {
			return DecisionSkip
		}
	case *Tombstone:
		if !re.NewerThan(l) {
			return DecisionSkip
		}
	}

	return DecisionAdoptTombstone
}

// DecideChatFromRemote decides how syncFromRemote treats one chat that
// the remote metadata lists. This is a pure function.
func DecideChatFromRemote(le, re Entry) Decision {
	switch r := re.(type) {
	case *Tombstone:
		return decideTombstoneFromRemote(le, r)
	case *Live:
		switch l := le.(type) {
		case *Tombstone:
			if l.DeletedAt >= r.LastModified {
				return DecisionPushDeletion
			}

			return DecisionDownload
		case *Live:
			if l.Hash != "" && l.Hash == r.Hash {
				if l.Unsynced() {
					return DecisionMarkSynced
				}

				return DecisionSkip
			}

			return DecisionDownload
		}

		return DecisionDownload
	}

	return DecisionSkip
}

// DecideSettingFromRemote is DecideChatFromRemote for settings. Settings
// have no merge: when both sides changed, the later lastModified wins.
func DecideSettingFromRemote(le, re Entry) Decision {
	switch r := re.(type) {
	case *Tombstone:
		return decideTombstoneFromRemote(le, r)
	case *Live:
		switch l := le.(type) {
		case *Tombstone:
			if l.DeletedAt >= r.LastModified {
				return DecisionPushDeletion
			}
		case *Live:
			if l.Hash != "" && l.Hash == r.Hash {
				if l.Unsynced() {
					return DecisionMarkSynced
				}

				return DecisionSkip
			}

			if l.Unsynced() && l.LastModified >= r.LastModified {
				return DecisionSkip
			}
		}

		return DecisionDownload
	}

	return DecisionSkip
}

// DecideToRemote decides how syncToRemote treats one local entry. re is
// nil when the remote metadata has no entry. Settings additionally
// require the local edit to be the later one; see DecideSettingToRemote.
func DecideToRemote(le, re Entry) Decision {
	switch l := le.(type) {
	case *Live:
		switch r := re.(type) {
		case nil:
			return DecisionUpload
		case *Tombstone:
			// Remote deletion wins unless local was edited afterwards.
			if r.DeletedAt > l.LastModified {
				return DecisionSkip
			}

			return DecisionUpload
		case *Live:
			if l.Hash != "" && l.Hash == r.Hash {
				if l.Unsynced() {
					return DecisionMarkSynced
				}

				return DecisionSkip
			}

			if l.Unsynced() {
				return DecisionUpload
			}
		}
	case *Tombstone:
		switch r := re.(type) {
		case nil:
			if unsynced(l) {
				return DecisionPushDeletion
			}
		case *Live:
			if l.DeletedAt >= r.LastModified {
				return DecisionPushDeletion
			}
		case *Tombstone:
			if l.NewerThan(r) {
				return DecisionPushDeletion
			}

			if unsynced(l) {
				return DecisionMarkSynced
			}
		}
	}

	return DecisionSkip
}

// DecideSettingToRemote is DecideToRemote with last-writer-wins: an
// unsynced local edit older than the remote entry is not uploaded.
func DecideSettingToRemote(le, re Entry) Decision {
	d := DecideToRemote(le, re)
	if d != DecisionUpload {
		return d
	}

	l := le.(*Live)
	if r, ok := re.(*Live); ok && r.LastModified > l.LastModified {
		return DecisionSkip
	}

	return d
}

// Result counts what a reconciliation pass did.
type Result struct {
	Uploaded      int
	Downloaded    int
	Merged        int
	DeletedLocal  int
	DeletedRemote int
	Failed        int

	// Aborted is set when syncFromRemote found an empty bucket and
	// requested a syncToRemote pass instead.
	Aborted bool
}

// Changed reports whether any object or record was written or deleted.
func (r Result) Changed() bool {
	return r.Uploaded+r.Downloaded+r.DeletedLocal+r.DeletedRemote > 0
}

// ReconcilerConfig holds a Reconciler's collaborators.
type ReconcilerConfig struct {
	Local    LocalStore
	Bucket   remote.Bucket
	Cipher   Cipher
	Clock    Clock
	DeviceID string
	Excluded func(key string) bool
	Logger   *slog.Logger
	Uploader *remote.Uploader
}

// Reconciler converges local and remote state. Every operation holds one
// mutex across its download-mutate-upload sequence, so passes never
// interleave.
type Reconciler struct {
	mu sync.Mutex

	local    LocalStore
	bucket   remote.Bucket
	uploader *remote.Uploader
	cipher   Cipher
	meta     *MetadataStore
	scanner  *Scanner
	cache    *LastSeenCache
	clock    Clock
	deviceID string
	excluded func(string) bool
	logger   *slog.Logger

	onFreshBucket func()
	onChatRemoved func(id string)
}

// NewReconciler wires a Reconciler. Uploader defaults to one over Bucket.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	excluded := cfg.Excluded
	if excluded == nil {
		excluded = func(string) bool { return false }
	}

	uploader := cfg.Uploader
	if uploader == nil {
		uploader = remote.NewUploader(cfg.Bucket, cfg.Logger)
	}

	cache := NewLastSeenCache()

	return &Reconciler{
		local:    cfg.Local,
		bucket:   cfg.Bucket,
		uploader: uploader,
		cipher:   cfg.Cipher,
		meta:     NewMetadataStore(cfg.Local, cfg.Bucket, cfg.Clock, excluded, cfg.Logger).WithUploader(uploader),
		scanner: &Scanner{
			local:    cfg.Local,
			cache:    cache,
			clock:    cfg.Clock,
			excluded: excluded,
			deviceID: cfg.DeviceID,
			logger:   cfg.Logger,
		},
		cache:    cache,
		clock:    cfg.Clock,
		deviceID: cfg.DeviceID,
		excluded: excluded,
		logger:   cfg.Logger,
	}
}

// OnFreshBucket registers the callback syncFromRemote uses to request a
// syncToRemote pass when it finds an empty bucket.
func (r *Reconciler) OnFreshBucket(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onFreshBucket = fn
}

// OnChatRemoved registers a callback for chats a sync pass deleted
// locally, so deletion tracking does not report them back.
func (r *Reconciler) OnChatRemoved(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onChatRemoved = fn
}

// fatal reports whether an item error must abort the whole pass: a
// missing or wrong secret fails every item the same way, and a cancelled
// context stops all I/O.
func fatal(ctx context.Context, err error) bool {
	return cserrors.IsConfiguration(err) || ctx.Err() != nil
}

// downloadRemote fetches the remote metadata, rebuilding it from the
// bucket contents if it is malformed.
func (r *Reconciler) downloadRemote(ctx context.Context) (*SyncMetadata, bool, error) {
	meta, created, err := r.meta.DownloadRemote(ctx)

	var corrupt *cserrors.ConflictOrCorruptionError
	if errors.As(err, &corrupt) {
		r.logger.Warn("remote metadata malformed, rebuilding from bucket contents",
			slog.String("error", err.Error()),
		)

		meta, err = r.rebuildRemote(ctx)

		return meta, false, err
	}

	return meta, created, err
}

func (r *Reconciler) hasLocalData(local *SyncMetadata) (bool, error) {
	if local.LiveChats() > 0 {
		return true, nil
	}

	for _, e := range local.Settings.Items {
		if _, ok := e.(*Live); ok {
			return true, nil
		}
	}

	ids, err := r.local.ChatIDs()
	if err != nil {
		return false, fmt.Errorf("listing local chats: %w", err)
	}

	return len(ids) > 0, nil
}

// SyncFromRemote applies remote changes locally. If the bucket is empty
// while local holds data, nothing is touched and the fresh-bucket
// callback requests a syncToRemote pass instead.
func (r *Reconciler) SyncFromRemote(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result

	remoteMeta, created, err := r.downloadRemote(ctx)
	if err != nil {
		return res, err
	}

	local, err := r.meta.Load()
	if err != nil {
		return res, err
	}

	if created || remoteMeta.IsEmpty() {
		hasData, err := r.hasLocalData(local)
		if err != nil {
			return res, err
		}

		if hasData {
			r.logger.Info("remote bucket is empty, uploading local data before pulling")

			res.Aborted = true

			if r.onFreshBucket != nil {
				r.onFreshBucket()
			}

			return res, nil
		}
	}

	p := &pass{r: r, ctx: ctx, local: local, remote: remoteMeta, now: r.clock.nowMillis(), res: &res}

	if err := p.chatsFromRemote(); err != nil {
		return res, p.finish(err)
	}

	if err := p.settingsFromRemote(); err != nil {
		return res, p.finish(err)
	}

	if res.Failed == 0 && remoteMeta.Settings.LastModified > local.Settings.SyncedAt {
		local.Settings.SyncedAt = remoteMeta.Settings.LastModified
		p.localDirty = true
	}

	return res, p.finish(nil)
}

// SyncToRemote pushes local changes. The remote metadata is always
// fetched fresh since another device may have written it.
func (r *Reconciler) SyncToRemote(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result

	remoteMeta, _, err := r.downloadRemote(ctx)
	if err != nil {
		return res, err
	}

	local, err := r.meta.Load()
	if err != nil {
		return res, err
	}

	p := &pass{r: r, ctx: ctx, local: local, remote: remoteMeta, now: r.clock.nowMillis(), res: &res}

	if err := p.settingsToRemote(); err != nil {
		return res, p.finish(err)
	}

	if err := p.chatsToRemote(); err != nil {
		return res, p.finish(err)
	}

	return res, p.finish(nil)
}

// pass carries the state of one reconciliation pass.
type pass struct {
	r      *Reconciler
	ctx    context.Context
	local  *SyncMetadata
	remote *SyncMetadata
	now    int64
	res    *Result

	localDirty  bool
	remoteDirty bool

	// uploaded tracks chats written this pass so they can be marked
	// unsynced again if the remote metadata write fails.
	uploaded []string
}

// finish persists both documents. When anything changed, both
// lastSyncTime values advance and the remote document is rewritten;
// otherwise the remote is left untouched.
func (p *pass) finish(passErr error) error {
	if p.res.Changed() {
		p.local.LastSyncTime = p.now
		p.remote.LastSyncTime = p.now
		p.localDirty = true
		p.remoteDirty = true
	}

	var uploadErr error

	if p.remoteDirty {
		uploadErr = p.r.meta.UploadRemote(p.ctx, p.remote)
		if uploadErr != nil {
			for _, id := range p.uploaded {
				if l, ok := p.local.Chats[id].(*Live); ok {
					l.SyncedAt = 0
				}
			}

			p.localDirty = true
		}
	}

	if p.localDirty {
		if err := p.r.meta.Save(p.local); err != nil {
			return errors.Join(passErr, uploadErr, err)
		}
	}

	return errors.Join(passErr, uploadErr)
}

// itemFailed logs a per-item failure and reports whether the pass must
// stop.
func (p *pass) itemFailed(kind, id string, d Decision, err error) error {
	p.res.Failed++

	p.r.logger.Warn("sync item failed",
		slog.String(kind, id),
		slog.String("op", d.String()),
		slog.String("error", err.Error()),
	)

	if fatal(p.ctx, err) {
		return err
	}

	return nil
}

func (p *pass) chatsFromRemote() error {
	for _, id := range sortedIDs(p.remote.Chats) {
		le, re := p.local.Chats[id], p.remote.Chats[id]

		d := DecideChatFromRemote(le, re)
		if d == DecisionSkip {
			continue
		}

		if err := p.applyChat(id, d, le, re); err != nil {
			if le, ok := p.local.Chats[id].(*Live); ok {
				le.SyncedAt = 0
				p.localDirty = true
			}

			if stop := p.itemFailed("chat_id", id, d, err); stop != nil {
				return stop
			}
		}
	}

	// Chats the remote has never seen.
	for _, id := range sortedIDs(p.local.Chats) {
		if _, known := p.remote.Chats[id]; known {
			continue
		}

		le, ok := p.local.Chats[id].(*Live)
		if !ok || !le.Unsynced() {
			continue
		}

		if err := p.applyChat(id, DecisionUpload, le, nil); err != nil {
			le.SyncedAt = 0
			p.localDirty = true

			if stop := p.itemFailed("chat_id", id, DecisionUpload, err); stop != nil {
				return stop
			}
		}
	}

	return nil
}

func (p *pass) chatsToRemote() error {
	for _, id := range sortedIDs(p.local.Chats) {
		le, re := p.local.Chats[id], p.remote.Chats[id]

		d := DecideToRemote(le, re)
		if d == DecisionSkip {
			continue
		}

		if err := p.applyChat(id, d, le, re); err != nil {
			switch l := p.local.Chats[id].(type) {
			case *Live:
				l.SyncedAt = 0
			case *Tombstone:
				l.SyncedAt = 0
			}

			p.localDirty = true

			if stop := p.itemFailed("chat_id", id, d, err); stop != nil {
				return stop
			}
		}
	}

	return nil
}

func (p *pass) applyChat(id string, d Decision, le, re Entry) error {
	switch d {
	case DecisionMarkSynced:
		markSynced(le, p.now)
		p.localDirty = true
	case DecisionDownload:
		merged, err := p.downloadChat(id, le, re.(*Live))
		if err != nil {
			return err
		}

		p.res.Downloaded++
		if merged {
			p.res.Merged++
		}
	case DecisionUpload:
		if err := p.uploadChat(id, le.(*Live)); err != nil {
			return err
		}
	case DecisionAdoptTombstone:
		if err := p.adoptChatTombstone(id, re.(*Tombstone)); err != nil {
			return err
		}
	case DecisionPushDeletion:
		if err := p.pushDeletion(chatKey(id), le.(*Tombstone), p.remote.Chats, id); err != nil {
			return err
		}
	}

	return nil
}

func markSynced(e Entry, now int64) {
	switch v := e.(type) {
	case *Live:
		v.SyncedAt = max(now, v.LastModified)
	case *Tombstone:
		v.SyncedAt = max(now, v.DeletedAt)
	}
}
