// Package transport defines the boundary to the chat-network client.
//
// The engine never inspects wire details beyond succeeded / failed(reason) /
// disconnected(reason); everything protocol-specific lives behind Client.
package transport

import (
	"context"
	"errors"
	"time"
)

// Destination addresses a contact on the chat network. The engine treats it
// as opaque; adapters parse it into whatever their protocol needs.
type Destination string

// PresenceState mirrors the coarse presence signals chat networks expose.
type PresenceState string

const (
	PresenceAvailable PresenceState = "available"
	PresenceTyping    PresenceState = "typing"
	PresencePaused    PresenceState = "paused"
)

// SendResult is the delivery handle returned by a successful send.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Disconnect is emitted when the transport loses its connection.
type Disconnect struct {
	Reason string
	At     time.Time
}

// Send failure classification. Adapters wrap their protocol errors so the
// engine can classify with errors.Is.
var (
	// ErrBlocked means the destination is confirmed unreachable (blocked,
	// deactivated). Terminal: retrying cannot succeed.
	ErrBlocked = errors.New("destination blocked")
	// ErrRateLimited means the network pushed back; retryable, and counted
	// against the risk profile as a rate-limit hit.
	ErrRateLimited = errors.New("rate limited by network")
	// ErrNotConnected means the transport has no live connection.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnsupported marks capabilities a given network cannot provide.
	ErrUnsupported = errors.New("unsupported by transport")
)

// Client is the consumed transport capability.
//
// Connect is safe to call again after a disconnect. Disconnects() delivers
// at most one event per connection loss; the channel is never closed while
// the client is alive.
type Client interface {
	Connect(ctx context.Context) error
	SendMessage(ctx context.Context, dest Destination, text string, replyTo string) (SendResult, error)
	SubscribePresence(ctx context.Context, dest Destination) error
	UpdatePresence(ctx context.Context, dest Destination, state PresenceState) error
	Disconnects() <-chan Disconnect
	Close(ctx context.Context) error
}
