package holtypes

import (
	"time"
)

// Blob is the metadata row for one locally stored blob. the bytes themselves
// live in the blob store, addressed by Ref.
type Blob struct {
	Ref         BlobRef
	Size        int64
	ContentType string
	Arrived     time.Time
}

type CommitmentState string

const (
	CommitmentClaimed   CommitmentState = "claimed"
	CommitmentConfirmed CommitmentState = "confirmed"
	CommitmentExpired   CommitmentState = "expired"
)

// CustodianRecord is one peer's claimed relationship to one blob, along with
// the probe history we have accumulated for that claim.
type CustodianRecord struct {
	Peer                string
	Ref                 BlobRef
	State               CommitmentState
	FirstSeen           time.Time
	LastProbe           time.Time
	LastSuccess         time.Time
	Successes           int64
	Failures            int64
	ConsecutiveFailures int
	// recency-decayed success estimate. derived from probe outcomes only,
	// see custodian.Score
	Score        float64
	ScoreUpdated time.Time
}

func (c *CustodianRecord) ID() string {
	return c.Peer + "/" + c.Ref.AsHex()
}

func CustodianRecordID(peer string, ref BlobRef) string {
	return peer + "/" + ref.AsHex()
}

type NodeMode string

const (
	// steady infrastructure: stores and answers DHT routing queries for others
	NodeModeServer NodeMode = "server"
	// resource-constrained/ephemeral: queries the DHT but doesn't serve it
	NodeModeClient NodeMode = "client"
)

// Peer is our local view of one network participant. no peer list is globally
// authoritative - this is just what we have seen.
type Peer struct {
	ID       string // stable, public key -derived
	Addrs    []string
	Mode     NodeMode
	Version  string
	LastSeen time.Time
}

// SyncCursor remembers, per peer, how far our sync exchange with it has gotten,
// so steady-state propagation can ship deltas instead of full documents.
type SyncCursor struct {
	Peer        string
	RemoteClock uint64 // remote document clock we have merged through
	SentClock   uint64 // our document clock as of the last successful send
	Updated     time.Time
}

// Manifest is owned by the external coordination layer; we only ever read these.
type Manifest struct {
	ContentID   string     `json:"contentIdentifier"`
	Size        int64      `json:"size"`
	ContentHash string     `json:"contentHash"`
	ShardHint   *ShardHint `json:"shardHint,omitempty"`
}

// ShardHint suggests a custodian to try when the primary lookup misses.
// non-authoritative: resolution must degrade gracefully if it is stale.
type ShardHint struct {
	Peer    string `json:"peer"`
	Address string `json:"address,omitempty"`
}
