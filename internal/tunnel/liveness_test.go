package tunnel

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestLivenessScannerPokesConnectedTunnels(t *testing.T) {
	sup, factory, verifier := newTestSupervisor()
	cfg := fastRetryConfig("db")

	sup.Connect(cfg)
	waitFor(t, time.Second, "instance spawned", func() bool { return factory.count() == 1 })
	factory.latest().sendReady()
	waitFor(t, time.Second, "connected", func() bool { return statusOf(sup, "db").Status == PhaseConnected })

	factory.latest().pingErr = errPingFailed

	block := make(chan struct{})
	verifier.set(func(ctx context.Context, _ TunnelConfig) VerifierResult {
		<-block
		return VerifierResult{OK: true}
	})

	scanner := NewLivenessScanner(sup)
	scanner.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go scanner.Run(ctx)
	defer cancel()

	// A failing Ping on the Connected instance must trigger a periodic
	// re-verify, observable as a transition to Verifying.
	waitFor(t, time.Second, "left connected after a failed ping", func() bool {
		return statusOf(sup, "db").Status == PhaseVerifying
	})

	close(block)
	waitFor(t, time.Second, "back to connected once the re-verify succeeds", func() bool {
		return statusOf(sup, "db").Status == PhaseConnected
	})
}

func TestLivenessScannerIgnoresDisconnectedTunnels(t *testing.T) {
	sup, factory, _ := newTestSupervisor()
	cfg := fastRetryConfig("db")

	sup.Connect(cfg)
	waitFor(t, time.Second, "instance spawned", func() bool { return factory.count() == 1 })
	// Never send Ready: the tunnel stays in Connecting, not Connected.

	scanner := NewLivenessScanner(sup)
	names := scanner.sup.ConnectedNames()
	if len(names) != 0 {
		t.Errorf("ConnectedNames() = %v, want empty while Connecting", names)
	}
}

// errPingFailed is a sentinel so fakeInstance.Ping returns non-nil without
// pulling in a real SSH/process failure.
var errPingFailed = fmt.Errorf("tunnel: ping failed")
