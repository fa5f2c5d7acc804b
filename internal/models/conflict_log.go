package models

import "time"

// ConflictLog records a collection whose unsynced local changes were
// overwritten by a newer remote snapshot.
type ConflictLog struct {
	CollectionKey   string `json:"collectionKey"`
	LocalTimestamp  int64  `json:"localTimestamp"`
	RemoteTimestamp int64  `json:"remoteTimestamp"`
	Resolution      string `json:"resolution"` // remote_wins, local_wins
	DetectedAt      int64  `json:"detectedAt"`
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
