package schedule

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

func TestTimerPayloadRoundTrips(t *testing.T) {
	p := timerPayload{Name: "db", Kind: tunnel.TimerRetry, Generation: uuid.New()}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() = %v, want nil", err)
	}

	var got timerPayload
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() = %v, want nil", err)
	}
	if got != p {
		t.Errorf("round-tripped payload = %+v, want %+v", got, p)
	}
}

func TestNewDefaultsRedisAddr(t *testing.T) {
	// New never dials eagerly (asynq's client/server both connect lazily),
	// so this only exercises the empty-addr default, not an actual Redis
	// round trip.
	s := New("")
	if s == nil {
		t.Fatal("New(\"\") returned nil")
	}
	if s.queue != "tunnels" {
		t.Errorf("queue = %q, want %q", s.queue, "tunnels")
	}
}

func TestSchedulerImplementsTunnelScheduler(t *testing.T) {
	var _ tunnel.Scheduler = New("localhost:0")
}
