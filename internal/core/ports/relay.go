package ports

import (
	"context"

	"meshcast/internal/core/domain"
)

// SignalingRelay is a stream-scoped publish/subscribe channel for signal
// envelopes. Delivery is at-most-once and unordered, and an envelope published
// before a subscriber joined is never replayed to it.
type SignalingRelay interface {
	// Subscribe starts receiving envelopes for streamID that are deliverable
	// to self. Broadcast envelopes from self are filtered out.
	Subscribe(ctx context.Context, streamID domain.StreamID, self domain.PeerID) (Subscription, error)
	// Publish hands env to the transport and returns without waiting for
	// delivery.
	Publish(ctx context.Context, env *domain.SignalEnvelope) error
	Unsubscribe(sub Subscription) error
	Close() error
}

type Subscription interface {
	ID() string
	StreamID() domain.StreamID
	// Envelopes is closed on Unsubscribe or when the transport fails.
	Envelopes() <-chan *domain.SignalEnvelope
	// Err is non-nil when the channel closed because of a transport failure.
	Err() error
}
