package relay

import (
	"context"
	"fmt"
	"sync/atomic"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
)

// MemoryRelay is an in-process hub. Every participant of a stream must live
// in the same process.
type MemoryRelay struct {
	opts   Options
	fanout *fanout
	closed atomic.Bool
}

func NewMemoryRelay(opts Options) *MemoryRelay {
	opts = opts.withDefaults()
	return &MemoryRelay{opts: opts, fanout: newFanout(opts)}
}

func (r *MemoryRelay) Subscribe(ctx context.Context, streamID domain.StreamID, self domain.PeerID) (ports.Subscription, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("%w: relay closed", domain.ErrTransportUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newSubscription(streamID, self, r.opts.Buffer)
	r.fanout.add(sub)
	return sub, nil
}

func (r *MemoryRelay) Publish(ctx context.Context, env *domain.SignalEnvelope) error {
	if r.closed.Load() {
		return fmt.Errorf("%w: relay closed", domain.ErrTransportUnavailable)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	r.fanout.dispatch(env)
	return nil
}

func (r *MemoryRelay) Unsubscribe(s ports.Subscription) error {
	sub, ok := r.fanout.lookup(s)
	if !ok {
		return nil
	}
	r.fanout.remove(sub)
	sub.close(nil)
	return nil
}

func (r *MemoryRelay) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.fanout.closeAll(nil)
	return nil
}

// Fail closes every subscription as if the transport had dropped. It lets
// callers exercise their reconnect path.
func (r *MemoryRelay) Fail(cause error) {
	r.fanout.closeAll(cause)
}
