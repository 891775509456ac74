//go:build !unix

package store

import "errors"

// ErrLocked is returned when another process owns the snapshot.
var ErrLocked = errors.New("state snapshot is locked by another process")

// Lock is a no-op on platforms without flock.
func (s *FileStore) Lock() (func() error, error) {
	return func() error { return nil }, nil
}
