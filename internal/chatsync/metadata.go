package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alexjbarnes/chatsync/internal/state"
	"github.com/tidwall/gjson"
)

// Entry is the sync state of one chat or setting: either *Live or
// *Tombstone. Consumers switch on the concrete type.
type Entry interface {
	isEntry()
	clone() Entry
}

// Live is an entry whose record exists. SyncedAt == 0 means the record is
// known to differ from the remote copy and must be uploaded.
type Live struct {
	Hash         string
	LastModified int64
	SyncedAt     int64
	Source       state.Source

	// TombstoneVersion is the version of the last tombstone this entity
	// carried before it was restored. The next deletion uses version+1.
	TombstoneVersion int64
}

// Tombstone marks a deleted entity.
type Tombstone struct {
	DeletedAt      int64
	LastModified   int64
	SyncedAt       int64
	Version        int64
	DeletionSource string
	Source         state.Source
}

func (*Live) isEntry()      {}
func (*Tombstone) isEntry() {}

func (l *Live) clone() Entry {
	c := *l
	return &c
}

func (t *Tombstone) clone() Entry {
	c := *t
	return &c
}

// Unsynced reports whether the live entry has local changes not yet
// confirmed remotely.
func (l *Live) Unsynced() bool {
	return l.SyncedAt == 0 || l.LastModified > l.SyncedAt
}

// NewerThan reports whether t supersedes o: the higher version wins and
// deletedAt breaks ties.
func (t *Tombstone) NewerThan(o *Tombstone) bool {
	if o == nil {
		return true
	}

	if t.Version != o.Version {
		return t.Version > o.Version
	}

	return t.DeletedAt > o.DeletedAt
}

// tombstoneVersion returns the tombstone lineage version of any entry.
func tombstoneVersion(e Entry) int64 {
	switch v := e.(type) {
	case *Live:
		return v.TombstoneVersion
	case *Tombstone:
		return v.Version
	}

	return 0
}

// newTombstone builds the tombstone that replaces prev.
func newTombstone(prev Entry, now int64, deviceID string) *Tombstone {
	t := &Tombstone{
		DeletedAt:      now,
		LastModified:   now,
		Version:        tombstoneVersion(prev) + 1,
		DeletionSource: deviceID,
	}

	if l, ok := prev.(*Live); ok {
		t.Source = l.Source
	}

	return t
}

type entryJSON struct {
	Hash             string       `json:"hash,omitempty"`
	LastModified     int64        `json:"lastModified"`
	SyncedAt         int64        `json:"syncedAt"`
	Deleted          bool         `json:"deleted"`
	DeletedAt        int64        `json:"deletedAt,omitempty"`
	TombstoneVersion int64        `json:"tombstoneVersion,omitempty"`
	DeletionSource   string       `json:"deletionSource,omitempty"`
	Source           state.Source `json:"source,omitempty"`
}

func (l *Live) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Hash:             l.Hash,
		LastModified:     l.LastModified,
		SyncedAt:         l.SyncedAt,
		TombstoneVersion: l.TombstoneVersion,
		Source:           l.Source,
	})
}

func (t *Tombstone) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		LastModified:     t.LastModified,
		SyncedAt:         t.SyncedAt,
		Deleted:          true,
		DeletedAt:        t.DeletedAt,
		TombstoneVersion: t.Version,
		DeletionSource:   t.DeletionSource,
		Source:           t.Source,
	})
}

// Entries maps an id to its entry. It decodes each member by its
// "deleted" discriminator.
type Entries map[string]Entry

func (e *Entries) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid entries document")
	}

	root := gjson.ParseBytes(data)
	if root.Type == gjson.Null {
		*e = Entries{}
		return nil
	}

	if !root.IsObject() {
		return fmt.Errorf("entries must be an object")
	}

	out := Entries{}

	var decodeErr error

	root.ForEach(func(key, value gjson.Result) bool {
		var raw entryJSON
		if err := json.Unmarshal([]byte(value.Raw), &raw); err != nil {
			decodeErr = fmt.Errorf("entry %q: %w", key.String(), err)
			return false
		}

		if raw.Deleted {
			out[key.String()] = &Tombstone{
				DeletedAt:      raw.DeletedAt,
				LastModified:   raw.LastModified,
				SyncedAt:       raw.SyncedAt,
				Version:        raw.TombstoneVersion,
				DeletionSource: raw.DeletionSource,
				Source:         raw.Source,
			}
		} else {
			out[key.String()] = &Live{
				Hash:             raw.Hash,
				LastModified:     raw.LastModified,
				SyncedAt:         raw.SyncedAt,
				Source:           raw.Source,
				TombstoneVersion: raw.TombstoneVersion,
			}
		}

		return true
	})

	if decodeErr != nil {
		return decodeErr
	}

	*e = out

	return nil
}

// SettingsMeta tracks all settings as one group plus per-key entries.
type SettingsMeta struct {
	Items        Entries `json:"items"`
	LastModified int64   `json:"lastModified"`
	SyncedAt     int64   `json:"syncedAt"`
}

// SyncMetadata is the per-device record of what is believed synced. The
// remote metadata document has the same shape.
type SyncMetadata struct {
	Chats        Entries      `json:"chats"`
	Settings     SettingsMeta `json:"settings"`
	LastSyncTime int64        `json:"lastSyncTime"`
}

// NewSyncMetadata returns an empty document.
func NewSyncMetadata() *SyncMetadata {
	return &SyncMetadata{
		Chats:    Entries{},
		Settings: SettingsMeta{Items: Entries{}},
	}
}

// ParseSyncMetadata decodes a metadata document. Missing maps are
// initialised so callers never see nil.
func ParseSyncMetadata(data []byte) (*SyncMetadata, error) {
	m := NewSyncMetadata()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}

	if m.Chats == nil {
		m.Chats = Entries{}
	}

	if m.Settings.Items == nil {
		m.Settings.Items = Entries{}
	}

	return m, nil
}

// Clone deep-copies the document.
func (m *SyncMetadata) Clone() *SyncMetadata {
	c := &SyncMetadata{
		Chats:        make(Entries, len(m.Chats)),
		Settings:     m.Settings,
		LastSyncTime: m.LastSyncTime,
	}

	c.Settings.Items = make(Entries, len(m.Settings.Items))

	for id, e := range m.Chats {
		c.Chats[id] = e.clone()
	}

	for k, e := range m.Settings.Items {
		c.Settings.Items[k] = e.clone()
	}

	return c
}

// IsEmpty reports whether the document tracks no chats or settings.
func (m *SyncMetadata) IsEmpty() bool {
	return len(m.Chats) == 0 && len(m.Settings.Items) == 0
}

// LiveChats counts live chat entries.
func (m *SyncMetadata) LiveChats() int {
	n := 0

	for _, e := range m.Chats {
		if _, ok := e.(*Live); ok {
			n++
		}
	}

	return n
}

// sortedIDs returns map keys in order so passes are reproducible.
func sortedIDs(entries Entries) []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// PruneTombstones removes tombstones deleted before cutoff from both
// documents. A tombstone is kept while its counterpart still holds a live
// entry or an older tombstone, since it has not propagated yet. It
// returns the pruned chat ids from each side.
func PruneTombstones(local, remote *SyncMetadata, cutoff int64) (prunedLocal, prunedRemote []string) {
	prunedLocal = pruneEntries(local.Chats, remote.Chats, cutoff)
	prunedRemote = pruneEntries(remote.Chats, local.Chats, cutoff)

	for _, id := range prunedLocal {
		delete(local.Chats, id)
	}

	for _, id := range prunedRemote {
		delete(remote.Chats, id)
	}

	localSettings := pruneEntries(local.Settings.Items, remote.Settings.Items, cutoff)
	remoteSettings := pruneEntries(remote.Settings.Items, local.Settings.Items, cutoff)

	for _, key := range localSettings {
		delete(local.Settings.Items, key)
	}

	for _, key := range remoteSettings {
		delete(remote.Settings.Items, key)
	}

	return prunedLocal, prunedRemote
}

func pruneEntries(side, counterpart Entries, cutoff int64) []string {
	var out []string

	for _, id := range sortedIDs(side) {
		t, ok := side[id].(*Tombstone)
		if !ok || t.DeletedAt >= cutoff {
			continue
		}

		switch other := counterpart[id].(type) {
		case nil:
			out = append(out, id)
		case *Tombstone:
			if !t.NewerThan(other) {
				out = append(out, id)
			}
		}
	}

	return out
}
