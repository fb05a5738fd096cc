package chatsync

import (
	"encoding/json"
	"fmt"
	"log/slog"

	cserrors "github.com/alexjbarnes/chatsync/internal/errors"
	"github.com/alexjbarnes/chatsync/internal/remote"
	"github.com/alexjbarnes/chatsync/internal/state"
)

// settingPayload is the object stored under settings/{key}.json.
type settingPayload struct {
	Key          string       `json:"key"`
	Value        string       `json:"value"`
	Source       state.Source `json:"source"`
	LastModified int64        `json:"lastModified"`
	UpdatedAt    int64        `json:"updatedAt"`
}

// downloadChat fetches a remote chat, merges it into the local copy if
// one exists and stores the result. The entry is saved immediately so a
// later failure in the pass does not lose it. merged reports whether a
// local copy took part.
func (p *pass) downloadChat(id string, le Entry, re *Live) (bool, error) {
	blob, err := p.r.bucket.Get(p.ctx, chatKey(id))
	if err != nil {
		return false, fmt.Errorf("downloading chat: %w", err)
	}

	rec, err := p.r.cipher.Decrypt(blob)
	if err != nil {
		return false, err
	}

	merged := false

	if _, live := le.(*Live); live {
		cur, err := p.r.local.GetChat(id)
		if err != nil {
			return false, fmt.Errorf("reading local chat: %w", err)
		}

		if cur != nil {
			rec, err = MergeChats(cur, rec)
			if err != nil {
				return false, fmt.Errorf("merging chat: %w", err)
			}

			merged = true
		}
	}

	hash, err := HashChat(rec)
	if err != nil {
		return false, &cserrors.ConflictOrCorruptionError{Document: chatKey(id), Err: err}
	}

	if err := p.r.local.PutChat(id, rec); err != nil {
		return false, fmt.Errorf("storing chat: %w", err)
	}

	entry := &Live{
		Hash:             hash,
		LastModified:     re.LastModified,
		SyncedAt:         max(p.now, re.LastModified),
		TombstoneVersion: max(tombstoneVersion(le), re.TombstoneVersion),
	}

	// The merge kept local content the remote lacks; push it back.
	if hash != re.Hash {
		entry.LastModified = p.now
		entry.SyncedAt = 0
	}

	p.local.Chats[id] = entry
	p.r.cache.Remember(id, rec, hash)

	if err := p.r.meta.Save(p.local); err != nil {
		return merged, err
	}

	return merged, nil
}

// uploadChat encrypts and uploads the current local record. The hash is
// recomputed from what is actually sent.
func (p *pass) uploadChat(id string, le *Live) error {
	rec, err := p.r.local.GetChat(id)
	if err != nil {
		return fmt.Errorf("reading local chat: %w", err)
	}

	if rec == nil {
		p.r.logger.Debug("chat gone before upload", slog.String("chat_id", id))
		return nil
	}

	hash, err := HashChat(rec)
	if err != nil {
		return &cserrors.ConflictOrCorruptionError{Document: "chat " + id, Err: err}
	}

	blob, err := p.r.cipher.Encrypt(rec)
	if err != nil {
		return err
	}

	err = p.r.uploader.Upload(p.ctx, chatKey(id), blob, remote.PutOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("uploading chat: %w", err)
	}

	if hash != le.Hash {
		le.Hash = hash
		le.LastModified = p.now
	}

	version := max(le.TombstoneVersion, tombstoneVersion(p.remote.Chats[id]))
	le.TombstoneVersion = version
	le.SyncedAt = max(p.now, le.LastModified)

	p.remote.Chats[id] = &Live{
		Hash:             hash,
		LastModified:     le.LastModified,
		SyncedAt:         le.SyncedAt,
		TombstoneVersion: version,
	}

	p.r.cache.Remember(id, rec, hash)
	p.uploaded = append(p.uploaded, id)
	p.res.Uploaded++
	p.localDirty = true
	p.remoteDirty = true

	return nil
}

func (p *pass) adoptChatTombstone(id string, re *Tombstone) error {
	if err := p.r.local.DeleteChat(id); err != nil {
		return fmt.Errorf("deleting local chat: %w", err)
	}

	t := re.clone().(*Tombstone)
	t.SyncedAt = max(p.now, t.DeletedAt)
	p.local.Chats[id] = t
	p.r.cache.Forget(id)

	if p.r.onChatRemoved != nil {
		p.r.onChatRemoved(id)
	}

	p.res.DeletedLocal++
	p.localDirty = true

	return nil
}

// pushDeletion removes the remote object and records the local
// tombstone in the remote document.
func (p *pass) pushDeletion(key string, lt *Tombstone, remoteEntries Entries, id string) error {
	if err := p.r.bucket.Delete(p.ctx, key); err != nil {
		return fmt.Errorf("deleting remote object: %w", err)
	}

	lt.SyncedAt = max(p.now, lt.DeletedAt)

	rt := lt.clone().(*Tombstone)
	remoteEntries[id] = rt

	p.res.DeletedRemote++
	p.localDirty = true
	p.remoteDirty = true

	return nil
}

func (p *pass) settingsFromRemote() error {
	for _, key := range sortedIDs(p.remote.Settings.Items) {
		if p.r.excluded(key) {
			continue
		}

		le, re := p.local.Settings.Items[key], p.remote.Settings.Items[key]

		d := DecideSettingFromRemote(le, re)
		if d == DecisionSkip {
			continue
		}

		if err := p.applySetting(key, d, le, re); err != nil {
			if l, ok := p.local.Settings.Items[key].(*Live); ok {
				l.SyncedAt = 0
				p.localDirty = true
			}

			if stop := p.itemFailed("setting", key, d, err); stop != nil {
				return stop
			}
		}
	}

	for _, key := range sortedIDs(p.local.Settings.Items) {
		if _, known := p.remote.Settings.Items[key]; known || p.r.excluded(key) {
			continue
		}

		le, ok := p.local.Settings.Items[key].(*Live)
		if !ok || !le.Unsynced() {
			continue
		}

		if err := p.applySetting(key, DecisionUpload, le, nil); err != nil {
			le.SyncedAt = 0
			p.localDirty = true

			if stop := p.itemFailed("setting", key, DecisionUpload, err); stop != nil {
				return stop
			}
		}
	}

	return nil
}

func (p *pass) settingsToRemote() error {
	failed := p.res.Failed

	for _, key := range sortedIDs(p.local.Settings.Items) {
		if p.r.excluded(key) {
			continue
		}

		le, re := p.local.Settings.Items[key], p.remote.Settings.Items[key]

		d := DecideSettingToRemote(le, re)
		if d == DecisionSkip {
			continue
		}

		if err := p.applySetting(key, d, le, re); err != nil {
			switch l := p.local.Settings.Items[key].(type) {
			case *Live:
				l.SyncedAt = 0
			case *Tombstone:
				l.SyncedAt = 0
			}

			p.localDirty = true

			if stop := p.itemFailed("setting", key, d, err); stop != nil {
				return stop
			}
		}
	}

	// Our own upload bumped the remote group timestamp; do not report it
	// back to ourselves as a remote change.
	if p.res.Failed == failed && p.remoteDirty && p.remote.Settings.LastModified > p.local.Settings.SyncedAt {
		p.local.Settings.SyncedAt = p.remote.Settings.LastModified
		p.localDirty = true
	}

	return nil
}

func (p *pass) applySetting(key string, d Decision, le, re Entry) error {
	switch d {
	case DecisionMarkSynced:
		markSynced(le, p.now)
		p.localDirty = true
	case DecisionDownload:
		return p.downloadSetting(key, le, re.(*Live))
	case DecisionUpload:
		return p.uploadSetting(key, le.(*Live))
	case DecisionAdoptTombstone:
		return p.adoptSettingTombstone(key, le, re.(*Tombstone))
	case DecisionPushDeletion:
		if err := p.pushDeletion(settingKey(key), le.(*Tombstone), p.remote.Settings.Items, key); err != nil {
			return err
		}

		p.remote.Settings.LastModified = p.now
	}

	return nil
}

func (p *pass) downloadSetting(key string, le Entry, re *Live) error {
	blob, err := p.r.bucket.Get(p.ctx, settingKey(key))
	if err != nil {
		return fmt.Errorf("downloading setting: %w", err)
	}

	data, err := p.r.cipher.Decrypt(blob)
	if err != nil {
		return err
	}

	var payload settingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return &cserrors.ConflictOrCorruptionError{Document: settingKey(key), Err: err}
	}

	src := settingSource(le, re, payload.Source)

	if err := p.r.local.PutSetting(src, key, []byte(payload.Value)); err != nil {
		return fmt.Errorf("storing setting: %w", err)
	}

	p.local.Settings.Items[key] = &Live{
		Hash:             HashSetting([]byte(payload.Value)),
		LastModified:     re.LastModified,
		SyncedAt:         max(p.now, re.LastModified),
		Source:           src,
		TombstoneVersion: max(tombstoneVersion(le), re.TombstoneVersion),
	}

	p.res.Downloaded++
	p.localDirty = true

	return nil
}

func (p *pass) uploadSetting(key string, le *Live) error {
	src := le.Source
	if !src.Valid() {
		src = state.SourceLocal
	}

	value, err := p.r.local.GetSetting(src, key)
	if err != nil {
		return fmt.Errorf("reading local setting: %w", err)
	}

	if value == nil {
		p.r.logger.Debug("setting gone before upload", slog.String("setting", key))
		return nil
	}

	data, err := json.Marshal(settingPayload{
		Key:          key,
		Value:        string(value),
		Source:       src,
		LastModified: le.LastModified,
		UpdatedAt:    p.now,
	})
	if err != nil {
		return fmt.Errorf("encoding setting: %w", err)
	}

	blob, err := p.r.cipher.Encrypt(data)
	if err != nil {
		return err
	}

	err = p.r.uploader.Upload(p.ctx, settingKey(key), blob, remote.PutOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("uploading setting: %w", err)
	}

	if hash := HashSetting(value); hash != le.Hash {
		le.Hash = hash
		le.LastModified = p.now
	}

	le.TombstoneVersion = max(le.TombstoneVersion, tombstoneVersion(p.remote.Settings.Items[key]))
	le.SyncedAt = max(p.now, le.LastModified)

	p.remote.Settings.Items[key] = &Live{
		Hash:             le.Hash,
		LastModified:     le.LastModified,
		SyncedAt:         le.SyncedAt,
		Source:           src,
		TombstoneVersion: le.TombstoneVersion,
	}
	p.remote.Settings.LastModified = p.now

	p.res.Uploaded++
	p.localDirty = true
	p.remoteDirty = true

	return nil
}

func (p *pass) adoptSettingTombstone(key string, le Entry, re *Tombstone) error {
	src := settingSource(le, re, "")

	if err := p.r.local.DeleteSetting(src, key); err != nil {
		return fmt.Errorf("deleting local setting: %w", err)
	}

	t := re.clone().(*Tombstone)
	t.SyncedAt = max(p.now, t.DeletedAt)
	p.local.Settings.Items[key] = t

	p.res.DeletedLocal++
	p.localDirty = true

	return nil
}

// settingSource picks the store a setting lives in: the local entry's
// source, then the remote entry's, then the payload's, then local.
func settingSource(le, re Entry, payload state.Source) state.Source {
	for _, e := range []Entry{le, re} {
		switch v := e.(type) {
		case *Live:
			if v.Source.Valid() {
				return v.Source
			}
		case *Tombstone:
			if v.Source.Valid() {
				return v.Source
			}
		}
	}

	if payload.Valid() {
		return payload
	}

	return state.SourceLocal
}
