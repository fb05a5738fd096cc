package chatsync

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// HasRemoteChanges reports whether remote holds anything local has not
// seen. A matching hash always means no change, whatever the timestamps
// say.
func HasRemoteChanges(local, remote *SyncMetadata) bool {
	if remote.Settings.LastModified > local.Settings.SyncedAt {
		return true
	}

	for key, re := range remote.Settings.Items {
		if entryDrifted(local.Settings.Items[key], re) {
			return true
		}
	}

	for id, re := range remote.Chats {
		if entryDrifted(local.Chats[id], re) {
			return true
		}
	}

	return false
}

// entryDrifted reports whether the remote entry re carries a change the
// local entry le does not reflect.
func entryDrifted(le, re Entry) bool {
	switch r := re.(type) {
	case *Tombstone:
		switch l := le.(type) {
		case nil:
			return true
		case *Live:
			// A live entry edited after the deletion is a restoration.
			return l.LastModified <= r.DeletedAt
		case *Tombstone:
			return r.NewerThan(l)
		}
	case *Live:
		switch l := le.(type) {
		case nil:
			return true
		case *Live:
			if l.Hash == "" {
				return true
			}

			return l.Hash != r.Hash
		case *Tombstone:
			// Restored elsewhere after our deletion.
			return r.LastModified > l.DeletedAt
		}
	}

	return false
}

// HasLocalOnlyChanges reports whether local holds changes not yet
// uploaded. pendingSettings is set by the settings change hook.
func HasLocalOnlyChanges(local *SyncMetadata, pendingSettings bool) bool {
	if pendingSettings {
		return true
	}

	for _, e := range local.Chats {
		if unsynced(e) {
			return true
		}
	}

	for _, e := range local.Settings.Items {
		if unsynced(e) {
			return true
		}
	}

	return false
}

func unsynced(e Entry) bool {
	switch v := e.(type) {
	case *Live:
		return v.Unsynced()
	case *Tombstone:
		return v.SyncedAt < v.DeletedAt
	}

	return false
}

// lastSeen is the cached view of a chat at its last observation.
type lastSeen struct {
	hash      string
	updatedAt int64
	size      int
}

// LastSeenCache remembers each chat's hash at last observation so a scan
// can skip rehashing records whose updatedAt and size are unchanged. It is
// an optimisation only; a miss always falls back to hashing.
type LastSeenCache struct {
	mu      sync.Mutex
	entries map[string]lastSeen
}

// NewLastSeenCache returns an empty cache.
func NewLastSeenCache() *LastSeenCache {
	return &LastSeenCache{entries: make(map[string]lastSeen)}
}

func (c *LastSeenCache) lookup(id string, rec []byte) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok || e.size != len(rec) || e.updatedAt != ChatUpdatedAt(rec) || e.updatedAt == 0 {
		return "", false
	}

	return e.hash, true
}

// Remember records the hash of a chat record.
func (c *LastSeenCache) Remember(id string, rec []byte, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[id] = lastSeen{hash: hash, updatedAt: ChatUpdatedAt(rec), size: len(rec)}
}

// Forget drops a chat from the cache.
func (c *LastSeenCache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, id)
}

// Len returns the number of cached chats.
func (c *LastSeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// ScanResult lists what a local scan changed in the metadata.
type ScanResult struct {
	ChangedChats    []string
	ChangedSettings []string
	DeletedSettings []string
}

// Changed reports whether the scan touched anything.
func (r ScanResult) Changed() bool {
	return len(r.ChangedChats) > 0 || len(r.ChangedSettings) > 0 || len(r.DeletedSettings) > 0
}

// Scanner compares local records against metadata.
type Scanner struct {
	local    LocalStore
	cache    *LastSeenCache
	clock    Clock
	excluded func(string) bool
	deviceID string
	logger   *slog.Logger
}

// ScanLocal updates meta in place from the current local records. Edited
// or new chats and settings get a new hash, lastModified = now and
// syncedAt = 0. Settings that vanished become tombstones. Vanished chats
// are left to the deletion monitor.
func (s *Scanner) ScanLocal(meta *SyncMetadata) (ScanResult, error) {
	var res ScanResult

	now := s.clock.nowMillis()

	chats, err := s.local.AllChats()
	if err != nil {
		return res, fmt.Errorf("listing local chats: %w", err)
	}

	for id, rec := range chats {
		hash, ok := s.cache.lookup(id, rec)
		if !ok {
			hash, err = HashChat(rec)
			if err != nil {
				s.logger.Warn("skipping unreadable chat",
					slog.String("chat_id", id),
					slog.String("error", err.Error()),
				)

				continue
			}

			s.cache.Remember(id, rec, hash)
		}

		switch e := meta.Chats[id].(type) {
		case *Live:
			if e.Hash == hash {
				continue
			}

			e.Hash = hash
			e.LastModified = now
			e.SyncedAt = 0
		case *Tombstone:
			// The record is back after a deletion: a local restoration.
			meta.Chats[id] = &Live{Hash: hash, LastModified: now, TombstoneVersion: e.Version}
		default:
			meta.Chats[id] = &Live{Hash: hash, LastModified: now}
		}

		res.ChangedChats = append(res.ChangedChats, id)
	}

	seen := make(map[string]bool)

	for _, src := range settingSources {
		values, err := s.local.AllSettings(src)
		if err != nil {
			return res, fmt.Errorf("listing %s settings: %w", src, err)
		}

		for key, value := range values {
			if s.excluded(key) || seen[key] {
				continue
			}

			seen[key] = true
			hash := HashSetting(value)

			switch e := meta.Settings.Items[key].(type) {
			case *Live:
				if e.Hash == hash {
					continue
				}

				e.Hash = hash
				e.LastModified = now
				e.SyncedAt = 0
				e.Source = src
			case *Tombstone:
				meta.Settings.Items[key] = &Live{Hash: hash, LastModified: now, Source: src, TombstoneVersion: e.Version}
			default:
				meta.Settings.Items[key] = &Live{Hash: hash, LastModified: now, Source: src}
			}

			res.ChangedSettings = append(res.ChangedSettings, key)
		}
	}

	for _, key := range sortedIDs(meta.Settings.Items) {
		if seen[key] || s.excluded(key) {
			continue
		}

		if l, ok := meta.Settings.Items[key].(*Live); ok {
			meta.Settings.Items[key] = newTombstone(l, now, s.deviceID)
			res.DeletedSettings = append(res.DeletedSettings, key)
		}
	}

	if len(res.ChangedSettings) > 0 || len(res.DeletedSettings) > 0 {
		meta.Settings.LastModified = now
	}

	sort.Strings(res.ChangedChats)
	sort.Strings(res.ChangedSettings)

	return res, nil
}
