package tunnel

import (
	"context"
	"testing"
	"time"
)

func TestNewInstanceSelectsStrategy(t *testing.T) {
	if _, ok := NewInstance(StrategyNative).(*nativeInstance); !ok {
		t.Error("NewInstance(StrategyNative) did not return *nativeInstance")
	}
	if _, ok := NewInstance(StrategyExec).(*execInstance); !ok {
		t.Error("NewInstance(StrategyExec) did not return *execInstance")
	}
	if _, ok := NewInstance("").(*nativeInstance); !ok {
		t.Error("NewInstance(\"\") did not default to *nativeInstance")
	}
}

func TestNativeInstancePingBeforeConnectFails(t *testing.T) {
	in := &nativeInstance{}
	if err := in.Ping(); err == nil {
		t.Fatal("Ping() on an unconnected instance = nil, want error")
	}
}

func TestNativeInstancePingAfterStopFails(t *testing.T) {
	in := &nativeInstance{}
	in.Stop()
	if err := in.Ping(); err == nil {
		t.Fatal("Ping() after Stop() = nil, want error")
	}
}

func TestNativeInstanceStopIsIdempotent(t *testing.T) {
	in := &nativeInstance{}
	in.Start(context.Background(), validConfig(), make(chan InstanceEvent, 1))
	in.Stop()
	in.Stop() // must not panic on double-close
}

func TestExecInstancePingBeforeStartFails(t *testing.T) {
	in := &execInstance{}
	if err := in.Ping(); err == nil {
		t.Fatal("Ping() on an unstarted exec instance = nil, want error")
	}
}

func TestExecInstancePingAfterStopFails(t *testing.T) {
	in := &execInstance{}
	in.Stop()
	if err := in.Ping(); err == nil {
		t.Fatal("Ping() after Stop() = nil, want error")
	}
}

// TestNativeInstanceUnreachableEmitsError drives Start against a source host
// nothing listens on, verifying it reports EventError rather than hanging.
func TestNativeInstanceUnreachableEmitsError(t *testing.T) {
	cfg := validConfig()
	cfg.Source.IP = "127.0.0.1"
	cfg.Source.SSHPort = 1

	in := &nativeInstance{}
	events := make(chan InstanceEvent, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in.Start(ctx, cfg, events)
	defer in.Stop()

	select {
	case ev := <-events:
		if ev.Kind != EventError {
			t.Fatalf("got event kind %v, want EventError", ev.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for EventError")
	}
}
