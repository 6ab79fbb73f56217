package services

import (
	"context"
	"testing"
	"time"

	"meshcast/internal/core/domain"
	"meshcast/internal/core/ports"
	"meshcast/internal/infrastructure/monitoring"
	"meshcast/internal/infrastructure/relay"
	"meshcast/internal/testutils"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testStream domain.StreamID = "stream-1"

var nopMetrics ports.MetricsCollector = monitoring.NopCollector{}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestRelay() *relay.MemoryRelay {
	return relay.NewMemoryRelay(relay.Options{Buffer: 256, Logger: testLogger()})
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

// receiveType waits for the next envelope of type typ, skipping others.
func receiveType(t *testing.T, sub ports.Subscription, typ domain.EnvelopeType) *domain.SignalEnvelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-sub.Envelopes():
			require.True(t, ok, "subscription closed")
			if env.Type == typ {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func allConnected(r *ConnectionRegistry) bool {
	for _, p := range r.Peers() {
		if p.State != domain.PeerConnected {
			return false
		}
	}
	return true
}

func engineConfig(self domain.PeerID, role domain.PeerRole) EngineConfig {
	return EngineConfig{
		StreamID:              testStream,
		Self:                  self,
		Role:                  role,
		CandidateBuffer:       16,
		AnnounceInterval:      100 * time.Millisecond,
		ResubscribeMaxBackoff: 500 * time.Millisecond,
	}
}

type hostFixture struct {
	factory  *testutils.FakeFactory
	provider *testutils.FakeCaptureProvider
	mixer    *testutils.FakeMixer
	registry *ConnectionRegistry
	media    *MediaSourceController
	engine   *NegotiationEngine
}

// newHost builds a host whose camera is already live and whose engine is
// subscribed to r.
func newHost(t *testing.T, r ports.SignalingRelay, factory *testutils.FakeFactory) *hostFixture {
	t.Helper()
	h := &hostFixture{
		factory:  factory,
		provider: testutils.NewFakeCaptureProvider("cam-a", "cam-b"),
		mixer:    &testutils.FakeMixer{},
	}
	h.registry = NewConnectionRegistry(factory, 0, nopMetrics, testLogger())
	h.media = NewMediaSourceController(h.provider, h.mixer, h.registry, nopMetrics, testLogger())
	h.engine = NewNegotiationEngine(engineConfig("host", domain.RoleHostSide), r, h.registry, h.media, nopMetrics, testLogger())

	require.NoError(t, h.media.Acquire(context.Background(), domain.MediaCamera))
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() {
		h.engine.Stop()
		h.registry.CloseAll()
		h.media.Release()
	})
	return h
}

type viewerFixture struct {
	factory  *testutils.FakeFactory
	registry *ConnectionRegistry
	engine   *NegotiationEngine
}

func newViewer(t *testing.T, r ports.SignalingRelay, factory *testutils.FakeFactory, self domain.PeerID) *viewerFixture {
	t.Helper()
	v := &viewerFixture{factory: factory}
	v.registry = NewConnectionRegistry(factory, 0, nopMetrics, testLogger())
	cfg := engineConfig(self, domain.RoleViewerSide)
	cfg.Host = "host"
	v.engine = NewNegotiationEngine(cfg, r, v.registry, nil, nopMetrics, testLogger())

	require.NoError(t, v.engine.Start(context.Background()))
	t.Cleanup(func() {
		v.engine.Stop()
		v.registry.CloseAll()
	})
	return v
}
