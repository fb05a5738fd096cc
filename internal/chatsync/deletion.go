package chatsync

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

const (
	// deletionMinAge is how long a chat must have been known before its
	// absence can count as a deletion.
	deletionMinAge = 2 * time.Minute

	// deletionMinConfidence is how many polls must have seen a chat
	// before its absence can count as a deletion.
	deletionMinConfidence = 3

	// deletionMaxConfidence caps the per-chat confidence counter.
	deletionMaxConfidence = 10

	// deletionMissThreshold is the number of consecutive misses that
	// confirms a deletion.
	deletionMissThreshold = 2
)

// DeletionMonitor infers local chat deletions. Poll is called
// periodically; deletions are reported through the callback given to
// the implementation's constructor. A local store with real deletion
// events can back an implementation whose Poll only drains them.
type DeletionMonitor interface {
	Poll() ([]string, error)
	Reset()

	// Forget drops a chat the sync itself removed, so its absence is
	// not reported as a local deletion.
	Forget(id string)
}

var _ DeletionMonitor = (*PollingMonitor)(nil)

type tracked struct {
	firstSeen  time.Time
	confidence int
	missing    int
}

// PollingMonitor detects deletions by listing local chat ids. A chat is
// declared deleted only once it was established (old and seen often
// enough) and then missed on consecutive polls; anything else that
// disappears is forgotten as noise from in-flight writes.
type PollingMonitor struct {
	mu        sync.Mutex
	known     map[string]*tracked
	list      func() ([]string, error)
	onDeleted func(id string)
	clock     Clock
	logger    *slog.Logger
}

// NewPollingMonitor returns a monitor over list. onDeleted is called for
// each confirmed deletion, outside the monitor's lock.
func NewPollingMonitor(list func() ([]string, error), onDeleted func(id string), clock Clock, logger *slog.Logger) *PollingMonitor {
	return &PollingMonitor{
		known:     make(map[string]*tracked),
		list:      list,
		onDeleted: onDeleted,
		clock:     clock,
		logger:    logger,
	}
}

// Poll lists the current chats, updates the counters and returns the ids
// confirmed deleted by this poll.
func (m *PollingMonitor) Poll() ([]string, error) {
	ids, err := m.list()
	if err != nil {
		return nil, err
	}

	now := m.clock.now()
	present := make(map[string]bool, len(ids))

	m.mu.Lock()

	for _, id := range ids {
		present[id] = true

		t, ok := m.known[id]
		if !ok {
			m.known[id] = &tracked{firstSeen: now, confidence: 1}
			continue
		}

		t.confidence = min(t.confidence+1, deletionMaxConfidence)
		t.missing = 0
	}

	var deleted []string

	for id, t := range m.known {
		if present[id] {
			continue
		}

		established := now.Sub(t.firstSeen) >= deletionMinAge && t.confidence >= deletionMinConfidence
		if !established {
			delete(m.known, id)
			continue
		}

		t.missing++
		if t.missing >= deletionMissThreshold {
			delete(m.known, id)
			deleted = append(deleted, id)
		}
	}

	m.mu.Unlock()

	slices.Sort(deleted)

	for _, id := range deleted {
		m.logger.Info("chat deletion confirmed", slog.String("chat_id", id))

		if m.onDeleted != nil {
			m.onDeleted(id)
		}
	}

	return deleted, nil
}

// Forget stops tracking id, for chats removed by sync itself.
func (m *PollingMonitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.known, id)
}

// Reset clears all tracking, used after a restore rewrites the store.
func (m *PollingMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.known = make(map[string]*tracked)
}

// Tracked returns the number of chats being tracked.
func (m *PollingMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.known)
}
