package model

import (
	"slices"
	"time"
)

// Webhook event kinds.
const (
	EventBuildStarted  = "BuildStarted"
	EventBuildFinished = "BuildFinished"
)

// Webhook delivery status constants.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Webhook is a subscription of an owner's URL to a set of event kinds.
type Webhook struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// Subscribes reports whether the hook wants events of the given kind.
func (h *Webhook) Subscribes(event string) bool {
	return slices.Contains(h.Events, event)
}

// WebhookDelivery is the durable retry state of one event sent to one hook.
// NextAttemptAt is stored with millisecond precision.
type WebhookDelivery struct {
	ID            string    `json:"id"`
	HookID        string    `json:"hook_id"`
	Event         string    `json:"event"`
	Body          []byte    `json:"-"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastStatus    int       `json:"last_status,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
