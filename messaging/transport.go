package messaging

import (
	"context"
	"time"
)

// SubscriptionID identifies a subscription or an outstanding request on a transport
type SubscriptionID uint64

// Message is a single delivery from the transport
type Message struct {
	Subject string // Subject the message was published to
	Reply   string // Subject to publish a reply to, empty for plain publishes
	Data    []byte
}

// Handler receives deliveries on the dispatch loop
type Handler func(ctx context.Context, msg *Message)

// RequestOptions configures Transport.Request
type RequestOptions struct {
	// MaxReplies unsubscribes the reply inbox after this many replies. Zero keeps it
	// open until Unsubscribe is called.
	MaxReplies int
}

// Transport is the minimal publish/subscribe capability the request bridge consumes.
//
// Every callback (handlers, onReady, onSent, onTimeout) runs on the transport's
// dispatch loop with a context for which Inside reports true.
type Transport interface {
	// Start connects if needed and runs the dispatch loop on the calling goroutine
	// until Stop. onReady is the first task executed on the loop.
	Start(ctx context.Context, onReady func(ctx context.Context)) error

	// Connect establishes the connection without running the loop. onReady runs on
	// the loop when it is running, inline otherwise.
	Connect(ctx context.Context, onReady func(ctx context.Context)) error

	// Subscribe registers handler for subject
	Subscribe(ctx context.Context, subject string, handler Handler) (SubscriptionID, error)

	// Unsubscribe removes a subscription or an outstanding request and cancels its timeout
	Unsubscribe(id SubscriptionID) error

	// Request publishes data to subject with a private reply inbox and delivers
	// replies to onReply
	Request(ctx context.Context, subject string, data []byte, opts RequestOptions, onReply Handler) (SubscriptionID, error)

	// Timeout removes the subscription and runs onTimeout if it is still present
	// after d. Returns ErrUnknownSubscription when id is already gone.
	Timeout(id SubscriptionID, d time.Duration, onTimeout func(ctx context.Context)) error

	// Publish sends data to subject; onSent runs once the send was handed to the wire
	Publish(ctx context.Context, subject string, data []byte, onSent func(ctx context.Context)) error

	// Stop stops the dispatch loop
	Stop() error

	// Running reports whether the dispatch loop is running
	Running() bool

	// WaitStopped blocks until the running dispatch loop has stopped
	WaitStopped(ctx context.Context) error

	// Inside reports whether ctx belongs to code executing on the running loop
	Inside(ctx context.Context) bool

	// IsConnected returns connection status
	IsConnected() bool

	// Close stops the loop and releases all resources
	Close() error
}
