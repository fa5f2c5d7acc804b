// Package models provides data model definitions shared by the storage core.
package models

// Reserved storage keys. They are bookkeeping for the core itself and are
// never evicted, exported, uploaded or overwritten by a merge.
const (
	KeyDeviceID       = "cloudSyncDeviceId"
	KeyContainerID    = "cloudSyncBinId"
	KeyLastSync       = "lastCloudSync"
	KeyPendingChanges = "cloudSyncPendingKeys"

	// QuotaProbePrefix namespaces the temporary filler entries written while
	// probing capacity.
	QuotaProbePrefix = "__quota_probe_"
)

var reservedKeys = map[string]bool{
	KeyDeviceID:       true,
	KeyContainerID:    true,
	KeyLastSync:       true,
	KeyPendingChanges: true,
}

// ReservedKeys returns the bookkeeping keys.
func ReservedKeys() []string {
	return []string{KeyDeviceID, KeyContainerID, KeyLastSync, KeyPendingChanges}
}

// IsReserved reports whether key is a bookkeeping key or collides with the
// metadata object of a snapshot or backup document.
func IsReserved(key string) bool {
	return reservedKeys[key] || IsMetadataKey(key)
}

// IsMetadataKey reports whether key names the metadata object of a
// snapshot or backup document. Such a key cannot be carried as a collection.
func IsMetadataKey(key string) bool {
	return key == SnapshotMetadataKey || key == ExportMetadataKey
}
