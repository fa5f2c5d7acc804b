package models

import "encoding/json"

// ExportMetadataKey marks a document as a backup produced by ExportAll.
const ExportMetadataKey = "exportMetadata"

// ExportVersion is the backup format version.
const ExportVersion = "1.0"

// ExportMetadata describes a backup document.
type ExportMetadata struct {
	Timestamp   int64    `json:"timestamp"`
	ExportedAt  string   `json:"exportedAt"`
	Version     string   `json:"version"`
	DeviceID    string   `json:"deviceId"`
	Collections []string `json:"collections"`
	Checksum    string   `json:"checksum,omitempty"` // SHA-256 of the collections
}

// ExportDocument is a complete portable backup.
type ExportDocument struct {
	Collections map[string]json.RawMessage
	Metadata    ExportMetadata
}

// MarshalJSON implements json.Marshaler.
func (d ExportDocument) MarshalJSON() ([]byte, error) {
	return encodeFlat(d.Collections, ExportMetadataKey, d.Metadata)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *ExportDocument) UnmarshalJSON(data []byte) error {
	var meta ExportMetadata
	collections, err := decodeFlat(data, ExportMetadataKey, &meta)
	if err != nil {
		return err
	}
	d.Collections = collections
	d.Metadata = meta
	return nil
}
