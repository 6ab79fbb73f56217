package relay

import (
	"fmt"
	"sync"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/pkg/utils"

	"go.uber.org/zap"
)

const defaultBuffer = 64

// Options are shared by every backend.
type Options struct {
	// Buffer bounds each subscription's channel. A full channel drops the
	// envelope.
	Buffer  int
	Logger  *zap.SugaredLogger
	Metrics ports.MetricsCollector
}

func (o Options) withDefaults() Options {
	if o.Buffer <= 0 {
		o.Buffer = defaultBuffer
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

type subscription struct {
	id       string
	streamID domain.StreamID
	self     domain.PeerID
	ch       chan *domain.SignalEnvelope

	mu     sync.Mutex
	closed bool
	err    error
}

func newSubscription(streamID domain.StreamID, self domain.PeerID, buffer int) *subscription {
	return &subscription{
		id:       utils.GenerateSubscriptionID(),
		streamID: streamID,
		self:     self,
		ch:       make(chan *domain.SignalEnvelope, buffer),
	}
}

func (s *subscription) ID() string                              { return s.id }
func (s *subscription) StreamID() domain.StreamID               { return s.streamID }
func (s *subscription) Envelopes() <-chan *domain.SignalEnvelope { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// deliver never blocks. It returns false when the envelope was dropped.
func (s *subscription) deliver(env *domain.SignalEnvelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

// close closes the channel once. A non-nil cause is reported through Err
// wrapped in domain.ErrTransportUnavailable.
func (s *subscription) close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if cause != nil {
		s.err = fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, cause)
	}
	close(s.ch)
}

// fanout routes envelopes of one process to its local subscriptions. Every
// backend keeps one and feeds it from its transport.
type fanout struct {
	opts Options

	mu      sync.RWMutex
	streams map[domain.StreamID]map[string]*subscription
}

func newFanout(opts Options) *fanout {
	return &fanout{
		opts:    opts,
		streams: make(map[domain.StreamID]map[string]*subscription),
	}
}

// add registers sub and reports whether it is the first for its stream.
func (f *fanout) add(sub *subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.streams[sub.streamID]
	if !ok {
		subs = make(map[string]*subscription)
		f.streams[sub.streamID] = subs
	}
	subs[sub.id] = sub
	return !ok
}

// remove unregisters sub and reports whether its stream has no local
// subscribers left. Removing an unknown subscription reports false.
func (f *fanout) remove(sub *subscription) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.streams[sub.streamID]
	if !ok {
		return false, false
	}
	if _, ok := subs[sub.id]; !ok {
		return false, false
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(f.streams, sub.streamID)
		return true, true
	}
	return true, false
}

func (f *fanout) lookup(s ports.Subscription) (*subscription, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sub, ok := f.streams[s.StreamID()][s.ID()]
	return sub, ok
}

// dispatch hands env to every local subscriber it is deliverable to.
func (f *fanout) dispatch(env *domain.SignalEnvelope) {
	f.mu.RLock()
	targets := make([]*subscription, 0, len(f.streams[env.StreamID]))
	for _, sub := range f.streams[env.StreamID] {
		if env.DeliverableTo(sub.self) {
			targets = append(targets, sub)
		}
	}
	f.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(env) {
			f.opts.Logger.Debugw("Signal envelope dropped",
				"stream_id", env.StreamID,
				"peer_id", sub.self,
				"type", env.Type,
			)
			if f.opts.Metrics != nil {
				f.opts.Metrics.RecordEnvelopeDropped("subscriber_full")
			}
		}
	}
}

func (f *fanout) streamIDs() []domain.StreamID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]domain.StreamID, 0, len(f.streams))
	for id := range f.streams {
		ids = append(ids, id)
	}
	return ids
}

// closeAll closes every subscription, with cause when the transport failed.
func (f *fanout) closeAll(cause error) {
	f.mu.Lock()
	streams := f.streams
	f.streams = make(map[domain.StreamID]map[string]*subscription)
	f.mu.Unlock()

	for _, subs := range streams {
		for _, sub := range subs {
			sub.close(cause)
		}
	}
}

// closeStream closes the subscriptions of one stream after a
// stream-specific transport failure.
func (f *fanout) closeStream(streamID domain.StreamID, cause error) {
	f.mu.Lock()
	subs := f.streams[streamID]
	delete(f.streams, streamID)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.close(cause)
	}
}
