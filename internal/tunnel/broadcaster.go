package tunnel

import "sync"

// Broadcaster holds the authoritative last-status map and fans out
// transitions to subscribers. It is the Status Broadcaster of spec §4.5,
// guarded the same way the teacher's tunnel.Registry guards its sessions
// map: a sync.RWMutex, with subscriber fan-out happening after the lock is
// released so a slow subscriber can't stall publish() for everyone else.
type Broadcaster struct {
	mu       sync.RWMutex
	statuses map[string]StatusRecord
	subs     map[int]chan IndividualStatus
	nextSub  int
}

// IndividualStatus pairs a tunnel name with its status, the wire shape of
// the realtime channel's individualTunnelStatus message (spec §6).
type IndividualStatus struct {
	Name   string       `json:"name"`
	Status StatusRecord `json:"status"`
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		statuses: make(map[string]StatusRecord),
		subs:     make(map[int]chan IndividualStatus),
	}
}

// Publish records status as the latest state for name and fans it out to
// every current subscriber. Guards, per spec §4.5:
//   - a Connected publish while a retry timer is armed for name is dropped
//     (invariant 3) — callers pass retryArmed=true to request the drop.
//   - a Failed publish when retriesExhausted is true has its reason
//     normalized to "Max retries exhausted" (handled by failedStatus()
//     at construction time, not here).
func (b *Broadcaster) Publish(name string, status StatusRecord, retryArmed bool) {
	if status.Status == PhaseConnected && retryArmed {
		return
	}

	b.mu.Lock()
	b.statuses[name] = status
	subs := make([]chan IndividualStatus, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	msg := IndividualStatus{Name: name, Status: status}
	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber; drop rather than block publish for others.
			// Subscribers always get the authoritative state via the next
			// getTunnelStatus snapshot even if one update is missed.
		}
	}
}

// Snapshot returns a copy of the full status map, sent once to new
// subscribers (spec §4.5).
func (b *Broadcaster) Snapshot() map[string]StatusRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]StatusRecord, len(b.statuses))
	for k, v := range b.statuses {
		out[k] = v
	}
	return out
}

// Subscribe registers a new subscriber channel and returns it along with an
// unsubscribe function. The channel is buffered so Publish never blocks on
// a single slow reader for long.
func (b *Broadcaster) Subscribe() (<-chan IndividualStatus, func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan IndividualStatus, 32)
	b.subs[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}
