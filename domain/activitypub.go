package domain

import (
	"time"

	"github.com/google/uuid"
)

// KnownActor represents a cached remote actor
type KnownActor struct {
	Id           uuid.UUID
	ActorURI     string // always a resolved URI, never a handle
	InboxURI     string
	PublicKeyId  string
	PublicKeyPem string // empty until the first signed exchange or fetch
	IsFollowing  bool
	Username     string
	Server       string
	RawDocument  string
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Handle returns the actor as user@server for display
func (a *KnownActor) Handle() string {
	if a.Username == "" || a.Server == "" {
		return a.ActorURI
	}
	return a.Username + "@" + a.Server
}

// Follower records that a remote actor currently follows a site
type Follower struct {
	SiteId    int64
	ActorId   uuid.UUID
	ActorURI  string
	InboxURI  string
	CreatedAt time.Time
}

// Following records a follow this site sent to a remote actor
type Following struct {
	SiteId    int64
	ActorId   uuid.UUID
	ActorURI  string
	FollowId  string // URI of the Follow activity we sent
	Accepted  bool
	CreatedAt time.Time
}

// InboxItem is a raw received envelope. Body never changes once stored.
type InboxItem struct {
	Id         uuid.UUID
	SiteId     int64
	Body       string
	ReceivedAt time.Time
	Processed  bool
}

// OutboxItem is a locally authored activity
type OutboxItem struct {
	Id           uuid.UUID
	SiteId       int64
	ActivityId   string
	ObjectId     string
	ActivityType string
	Activity     string
	SourcePost   string // empty when the activity is not tied to a post
	CreatedAt    time.Time
	AllDelivered bool
}

// OutboxTarget is one delivery obligation of an outbox item
type OutboxTarget struct {
	OutboxId    uuid.UUID
	Target      string
	Delivered   bool
	DeliveredAt *time.Time
	Retries     int
}

// PendingDelivery joins an undelivered target with the activity it carries
type PendingDelivery struct {
	OutboxId   uuid.UUID
	Seq        int64 // insertion order of the outbox item
	ActivityId string
	Activity   string
	CreatedAt  time.Time
	Target     string
	Retries    int
	InboxURI   string // empty when the target actor is not cached yet
}

// DeliveryLog is an append-only record of one delivery attempt
type DeliveryLog struct {
	Id           int64
	OutboxId     uuid.UUID
	Target       string
	Successful   bool
	StatusCode   *int // nil for transport or local errors
	ResponseBody string
	CreatedAt    time.Time
}

type BlockType string

const (
	BlockActor  BlockType = "actor"
	BlockServer BlockType = "server"
)

// Block is a block-list entry
type Block struct {
	Type      BlockType
	Target    string
	CreatedAt time.Time
}
