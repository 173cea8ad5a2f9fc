package model

import "time"

// Outbox command kinds delivered to engine processes.
const (
	KindCreateEngine = "CreateEngine"
	KindUpdateEngine = "UpdateEngine"
	KindDeleteEngine = "DeleteEngine"
	KindStartBuild   = "StartBuild"
	KindCancelBuild  = "CancelBuild"
)

// OutboxMessage is one immutable entry in an outbox queue. Index is assigned
// monotonically per OutboxRef at enqueue time.
type OutboxMessage struct {
	OutboxRef string    `json:"outbox_ref"`
	Index     uint64    `json:"index"`
	Kind      string    `json:"kind"`
	Content   []byte    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Outbox is the delivery cursor of one queue. CurrentIndex is the index of the
// last successfully delivered message; zero means nothing was delivered yet.
type Outbox struct {
	ID           string `json:"id"`
	Revision     int    `json:"revision"`
	CurrentIndex uint64 `json:"current_index"`
}

// QueueBacklog summarizes the undelivered messages of one queue.
type QueueBacklog struct {
	OutboxRef    string `json:"outbox_ref"`
	CurrentIndex uint64 `json:"current_index"`
	Pending      int    `json:"pending"`
}
