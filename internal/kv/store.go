// Package kv provides the key/value storage port used by the storage core,
// with an in-memory medium and a SQLite-backed medium.
package kv

import (
	"errors"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("kv: key not found")
	// ErrQuotaExceeded is returned by Set when the medium has no room left.
	ErrQuotaExceeded = errors.New("kv: storage quota exceeded")
)

// Store is a synchronous string key/value medium.
// Remove on an absent key is not an error.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
	Keys() ([]string, error)
}

// Size returns the footprint of an entry as used by every quota calculation:
// the character count of key plus value.
func Size(key, value string) int64 {
	return int64(utf8.RuneCountInString(key) + utf8.RuneCountInString(value))
}

// EntrySize returns the footprint of the stored entry, or 0 if it is absent
// or unreadable.
func EntrySize(s Store, key string) int64 {
	value, err := s.Get(key)
	if err != nil {
		return 0
	}
	return Size(key, value)
}

// KeysWithPrefix returns the sorted keys starting with prefix.
func KeysWithPrefix(s Store, prefix string) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}
