package content

import (
	"sync/atomic"
	"time"
)

type Manager struct {
	active atomic.Pointer[Snapshot]
}

func NewManager() *Manager { return &Manager{} }

// Set publishes s as the active snapshot. s must not be modified afterwards.
func (m *Manager) Set(s *Snapshot) {
	if s == nil {
		return
	}
	if s.LoadedAt.IsZero() {
		s.LoadedAt = time.Now().UTC()
	}
	m.active.Store(s)
}

// Get returns the active snapshot; ok is false until the first Set.
func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil
}

// Fingerprint of the active snapshot, or "".
func (m *Manager) Fingerprint() string {
	return m.active.Load().Fingerprint()
}

func (m *Manager) LoadedAt() time.Time {
	s := m.active.Load()
	if s == nil {
		return time.Time{}
	}
	return s.LoadedAt
}

// PackageCount returns the number of mounted packages in the active snapshot.
func (m *Manager) PackageCount() int {
	s := m.active.Load()
	if s == nil {
		return 0
	}
	return len(s.Packages)
}

// GlobalHeaders returns the config file's default response headers.
func (m *Manager) GlobalHeaders() map[string]string {
	s := m.active.Load()
	if s == nil || s.Config == nil {
		return nil
	}
	return s.Config.Headers
}

// Release is the remote release id of the active snapshot, if any.
func (m *Manager) Release() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.Release
}
