package domain

import "time"

// Snapshot is the persisted form of one replica: the full state as an
// update, its state summary and a hash of the state used to skip
// unchanged writes and to detect corruption on load.
type Snapshot struct {
	ID           string    `json:"_id"`
	Rev          string    `json:"_rev,omitempty"`
	CollabType   string    `json:"collab_type"`
	DocumentID   string    `json:"document_id"`
	State        []byte    `json:"state"`
	StateSummary []byte    `json:"state_summary"`
	ContentHash  string    `json:"content_hash"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func SnapshotID(collabType, documentID string) string {
	return "snapshot:" + collabType + ":" + documentID
}
