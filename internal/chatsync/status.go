package chatsync

import (
	"time"

	"github.com/alexjbarnes/chatsync/internal/config"
)

// Status is the single user-visible sync indicator.
type Status string

const (
	StatusDisabled  Status = "disabled"
	StatusInSync    Status = "in-sync"
	StatusSyncing   Status = "syncing"
	StatusOutOfSync Status = "out-of-sync"
	StatusError     Status = "error"
)

// StatusReport is a point-in-time view of the service.
type StatusReport struct {
	Status       Status      `json:"status"`
	Mode         config.Mode `json:"mode"`
	Pending      []string    `json:"pending,omitempty"`
	LastSync     time.Time   `json:"lastSync,omitzero"`
	LastError    string      `json:"lastError,omitempty"`
	Chats        int         `json:"chats"`
	Tombstones   int         `json:"tombstones"`
	Settings     int         `json:"settings"`
	LastSyncTime int64       `json:"lastSyncTime"`
}

// Status computes the current indicator. A dropped operation shows as an
// error until that operation next succeeds or the mode changes.
func (s *Service) Status() StatusReport {
	s.mu.Lock()
	report := StatusReport{Mode: s.mode, LastSync: s.lastSync}
	pendingSettings := s.pendingSettings
	s.mu.Unlock()

	report.Pending = s.sched.Pending()

	if report.Mode == config.ModeDisabled {
		report.Status = StatusDisabled
		return report
	}

	if err := s.sched.LastError(); err != nil {
		report.Status = StatusError
		report.LastError = err.Error()

		return report
	}

	if s.sched.Busy() {
		report.Status = StatusSyncing
		return report
	}

	meta, err := s.rec.Peek()
	if err != nil {
		report.Status = StatusError
		report.LastError = err.Error()

		return report
	}

	// Metadata is built by the next local check.
	if meta == nil {
		report.Status = StatusOutOfSync
		return report
	}

	report.Chats = meta.LiveChats()
	report.Tombstones = len(meta.Chats) - report.Chats
	report.Settings = len(meta.Settings.Items)
	report.LastSyncTime = meta.LastSyncTime

	report.Status = StatusInSync
	if report.Mode == config.ModeSync && HasLocalOnlyChanges(meta, pendingSettings) {
		report.Status = StatusOutOfSync
	}

	return report
}
