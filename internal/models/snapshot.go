package models

import (
	"encoding/json"
	"time"
)

// SnapshotMetadataKey is the top-level key holding snapshot metadata.
const SnapshotMetadataKey = "metadata"

// SnapshotVersion is the snapshot format version written by this device.
const SnapshotVersion = "1.0"

// SnapshotMetadata describes where and when a snapshot was taken.
// Timestamp is in Unix milliseconds.
type SnapshotMetadata struct {
	Timestamp   int64    `json:"timestamp"`
	DeviceID    string   `json:"deviceId"`
	Version     string   `json:"version"`
	ChangedKeys []string `json:"changedKeys"`
}

// Snapshot is the unit exchanged with the remote store: every collection
// under its own key plus a metadata object.
type Snapshot struct {
	Collections map[string]json.RawMessage
	Metadata    SnapshotMetadata
}

// Time returns the metadata timestamp as time.Time.
func (s *Snapshot) Time() time.Time {
	return time.UnixMilli(s.Metadata.Timestamp)
}

// MarshalJSON implements json.Marshaler.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return encodeFlat(s.Collections, SnapshotMetadataKey, s.Metadata)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var meta SnapshotMetadata
	collections, err := decodeFlat(data, SnapshotMetadataKey, &meta)
	if err != nil {
		return err
	}
	s.Collections = collections
	s.Metadata = meta
	return nil
}
