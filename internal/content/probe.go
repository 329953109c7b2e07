package content

import "errors"

// ReadyErr returns an error until a snapshot has been published.
func (m *Manager) ReadyErr() error {
	if _, ok := m.Get(); !ok {
		return errors.New("content: no package snapshot loaded")
	}
	return nil
}
