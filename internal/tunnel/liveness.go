package tunnel

import (
	"context"
	"time"
)

// livenessInterval is the Liveness Scanner's poll period (spec §4.6).
const livenessInterval = 30 * time.Second

// LivenessScanner periodically pokes every tunnel the Broadcaster currently
// shows as Connected or Unstable. It never mutates TunnelState itself — each
// poke only asks the owning handler to run its own Ping/re-verify logic, so
// the Verifier's result remains the sole source of truth for transitions.
type LivenessScanner struct {
	sup      *Supervisor
	interval time.Duration
}

// NewLivenessScanner returns a scanner using the default interval.
func NewLivenessScanner(sup *Supervisor) *LivenessScanner {
	return &LivenessScanner{sup: sup, interval: livenessInterval}
}

// Run blocks, scanning every interval until ctx is cancelled.
func (l *LivenessScanner) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scanOnce()
		}
	}
}

func (l *LivenessScanner) scanOnce() {
	for _, name := range l.sup.ConnectedNames() {
		l.sup.PokeLiveness(name)
	}
}
