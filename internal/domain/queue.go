package domain

import "time"

type QueueState string

const (
	QueuePending    QueueState = "pending"
	QueueInTransit  QueueState = "in_transit"
	QueueSynced     QueueState = "synced"
	QueueConflicted QueueState = "conflicted"
	QueueFailed     QueueState = "failed"
)

// QueueEntry tracks delivery of one record to one peer.
type QueueEntry struct {
	GlobalID      string     `json:"global_id"`
	Peer          string     `json:"peer"`
	State         QueueState `json:"state"`
	Revision      int64      `json:"revision"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	LastError     string     `json:"last_error,omitempty"`
	ConflictID    string     `json:"conflict_id,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type QueueCounts map[QueueState]int

type NodeStatus struct {
	NodeID          string      `json:"node_id"`
	Role            string      `json:"role"`
	Reachable       bool        `json:"reachable"`
	Syncing         bool        `json:"syncing"`
	LastSuccessAt   *time.Time  `json:"last_success_at,omitempty"`
	Queue           QueueCounts `json:"queue"`
	OpenConflicts   int         `json:"open_conflicts"`
	UpstreamEnabled bool        `json:"upstream_enabled"`
}
