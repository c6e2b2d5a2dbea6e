// Package bus is the topic fan-out layer peers use to announce, query, and
// vote on name records. Envelopes carry opaque JSON and flood between peers
// over websocket links with ID-based duplicate suppression.
package bus

import (
	"context"
	"encoding/json"
)

// Topics the registry speaks. Responses to a query come back on
// TopicResponse rather than the query topic itself.
const (
	TopicAnnounce = "domain:announce"
	TopicQuery    = "domain:query"
	TopicUpdate   = "domain:update"
	TopicResponse = "domain:response"
)

// Envelope frames one bus message. IDs are unique per publish and drive
// duplicate suppression when envelopes flood across links.
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
}

// Handler consumes one envelope. Handlers run on their own goroutines and
// may publish from within.
type Handler func(env *Envelope)

// Bus publishes envelopes to topic subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, data json.RawMessage) error
	Subscribe(topic string, h Handler) (unsubscribe func())
}
