// Package channel binds the dispatcher to a publish/subscribe transport:
// it consumes request envelopes, acknowledges them and publishes correlated
// responses.
package channel

import (
	"context"
	"errors"
)

// AttrCorrelationID is the message attribute carrying the correlation token.
const AttrCorrelationID = "correlationId"

// ErrClosed is returned by Receive once the transport has been closed.
var ErrClosed = errors.New("channel: transport closed")

// Topology names the topics and subscriptions a transport serves.
// ResponseSubscription is optional; empty skips it.
type Topology struct {
	RequestTopic         string
	ResponseTopic        string
	RequestSubscription  string
	ResponseSubscription string
}

type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Delivery is a consumed message plus the way to acknowledge it.
type Delivery struct {
	Message
	Ack func(ctx context.Context) error
}

// Transport is a durable publish/subscribe backend.
type Transport interface {
	// Ensure creates the topology if absent. Already existing topics and
	// subscriptions are not an error.
	Ensure(ctx context.Context) error
	// Receive blocks until request messages arrive or ctx ends. An empty
	// batch with a nil error is a poll timeout.
	Receive(ctx context.Context) ([]Delivery, error)
	Publish(ctx context.Context, topic string, msg Message) error
	Close() error
}
