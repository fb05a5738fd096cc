package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.chatsync/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	chatsBucket = []byte("chats")

	deviceKey   = []byte("device_id")
	metadataKey = []byte("sync_metadata")
)

// Source names the local collaborator a setting lives in. Restoring a
// setting must write it back to the store it came from.
type Source string

const (
	// SourceLocal is the ambient key-value settings store.
	SourceLocal Source = "local"

	// SourceExternal is the persistent key-value store shared with chats.
	SourceExternal Source = "externalStore"
)

// Valid reports whether s names a known settings source.
func (s Source) Valid() bool {
	return s == SourceLocal || s == SourceExternal
}

func settingsBucket(src Source) []byte {
	return []byte("settings:" + string(src))
}

// State wraps a bbolt database holding chats, both settings stores, the
// persisted sync metadata document and the device identity.
type State struct {
	path string

	mu sync.RWMutex
	db *bolt.DB

	subMu   sync.Mutex
	subs    map[int]chan ChangeEvent
	nextSub int
	dropped int
}

// Load opens the state database at ~/.chatsync/state.db.
func Load() (*State, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// DefaultPath returns ~/.chatsync/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chatsync", "state.db"), nil
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	return &State{path: path, db: db, subs: make(map[int]chan ChangeEvent)}, nil
}

func openDB(path string) (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appBucket, chatsBucket, settingsBucket(SourceLocal), settingsBucket(SourceExternal)} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return db, nil
}

// Path returns the database file path.
func (s *State) Path() string {
	return s.path
}

// Close closes the database and all subscriber channels.
func (s *State) Close() error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}

func (s *State) view(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.View(fn)
}

func (s *State) update(fn func(tx *bolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.Update(fn)
}

// Ping runs a read transaction to confirm the handle is usable.
func (s *State) Ping() error {
	return s.view(func(tx *bolt.Tx) error {
		if tx.Bucket(appBucket) == nil {
			return fmt.Errorf("app bucket missing")
		}

		return nil
	})
}

// Reopen closes and reopens the underlying database handle. Subscribers
// are kept.
func (s *State) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.db.Close()

	db, err := openDB(s.path)
	if err != nil {
		return err
	}

	s.db = db

	return nil
}

// DeviceID returns this installation's identifier, generating and
// persisting a random one on first use.
func (s *State) DeviceID() (string, error) {
	var id string

	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if v := b.Get(deviceKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(deviceKey, []byte(id))
	})

	return id, err
}

// Metadata returns the persisted sync metadata document, or nil.
func (s *State) Metadata() ([]byte, error) {
	var data []byte

	err := s.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(metadataKey); v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

// SetMetadata persists the sync metadata document.
func (s *State) SetMetadata(data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("metadata is not valid JSON")
	}

	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(metadataKey, data)
	})
}

// ClearMetadata removes the persisted sync metadata document.
func (s *State) ClearMetadata() error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(metadataKey)
	})
}

// ChatIDs returns the ids of all stored chats in key order.
func (s *State) ChatIDs() ([]string, error) {
	var ids []string

	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})

	return ids, err
}

// GetChat returns the raw chat record, or nil if not found.
func (s *State) GetChat(id string) ([]byte, error) {
	return s.get(chatsBucket, id)
}

// PutChat stores a raw chat record.
func (s *State) PutChat(id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("chat id must not be empty")
	}

	if err := s.put(chatsBucket, id, data); err != nil {
		return err
	}

	s.publish(ChangeEvent{Kind: ChangeChat, Key: id})

	return nil
}

// DeleteChat removes a chat record. Missing records are not an error.
func (s *State) DeleteChat(id string) error {
	if err := s.delete(chatsBucket, id); err != nil {
		return err
	}

	s.publish(ChangeEvent{Kind: ChangeChat, Key: id, Deleted: true})

	return nil
}

// AllChats returns every stored chat record keyed by id.
func (s *State) AllChats() (map[string][]byte, error) {
	return s.all(chatsBucket)
}

// GetSetting returns a setting value from the given source, or nil.
func (s *State) GetSetting(src Source, key string) ([]byte, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("unknown settings source %q", src)
	}

	return s.get(settingsBucket(src), key)
}

// PutSetting stores a setting value in the given source.
func (s *State) PutSetting(src Source, key string, value []byte) error {
	if !src.Valid() {
		return fmt.Errorf("unknown settings source %q", src)
	}

	if err := s.put(settingsBucket(src), key, value); err != nil {
		return err
	}

	s.publish(ChangeEvent{Kind: ChangeSetting, Key: key, Source: src})

	return nil
}

// DeleteSetting removes a setting from the given source.
func (s *State) DeleteSetting(src Source, key string) error {
	if !src.Valid() {
		return fmt.Errorf("unknown settings source %q", src)
	}

	if err := s.delete(settingsBucket(src), key); err != nil {
		return err
	}

	s.publish(ChangeEvent{Kind: ChangeSetting, Key: key, Source: src, Deleted: true})

	return nil
}

// AllSettings returns every setting in the given source.
func (s *State) AllSettings(src Source) (map[string][]byte, error) {
	if !src.Valid() {
		return nil, fmt.Errorf("unknown settings source %q", src)
	}

	return s.all(settingsBucket(src))
}

// SettingKeys returns the setting keys of a source in sorted order.
func (s *State) SettingKeys(src Source) ([]string, error) {
	all, err := s.AllSettings(src)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys, nil
}

func (s *State) get(bucket []byte, key string) ([]byte, error) {
	var data []byte

	err := s.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}

		return nil
	})

	return data, err
}

func (s *State) put(bucket []byte, key string, value []byte) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
}

func (s *State) delete(bucket []byte, key string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

func (s *State) all(bucket []byte) (map[string][]byte, error) {
	result := make(map[string][]byte)

	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})

	return result, err
}
