// Package kv provides the key/value stores backing rate-limit marks,
// tracking markers and cross-session flags.
package kv

import "errors"

// ErrClosed is returned by stores that have been closed.
var ErrClosed = errors.New("kv: store closed")

// Store is the capability every key/value backend offers.
// Get reports whether the key was present.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Keys() ([]string, error)
}
