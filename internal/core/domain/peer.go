package domain

import "time"

// PeerID identifies one signaling connection. Assigned at connect time,
// cryptographically random, unique for the lifetime of the connection.
type PeerID string

// PeerSession is one connected signaling socket.
type PeerSession struct {
	ID       PeerID    `json:"peer_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// PeerMeta is the per-peer metadata carried in presence snapshots.
type PeerMeta struct {
	JoinedAt time.Time `json:"joined_at"`
}

// PresenceDiff describes a membership change relative to the previously
// observed state of a room. Application is idempotent per peer id.
type PresenceDiff struct {
	Joins  []PeerID `json:"joins"`
	Leaves []PeerID `json:"leaves"`
}

// Empty reports whether the diff carries no change.
func (d PresenceDiff) Empty() bool {
	return len(d.Joins) == 0 && len(d.Leaves) == 0
}
