package tunnel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// manualDisconnectGrace is how long ManualDisconnect stays true after a
	// user-initiated Disconnect, per spec §3/§4.7.
	manualDisconnectGrace = 5 * time.Second
	// maxVerificationAttempts bounds how many consecutive periodic
	// (refresh/liveness-triggered) verify failures are tolerated in Unstable
	// before the tunnel is torn down and the retry policy applies — the
	// Design Notes §9 open question, resolved here (see DESIGN.md).
	maxVerificationAttempts = 3
	// unstableConfirmDelay is the re-verify interval while Unstable.
	unstableConfirmDelay = 3 * time.Second
)

// TimerKind discriminates the three durable timer classes the Supervisor
// schedules. Values are serializable so a [Scheduler] backed by a durable
// queue (see internal/schedule) can carry them across a process boundary.
type TimerKind string

const (
	TimerRetry   TimerKind = "retry"
	TimerRefresh TimerKind = "refresh"
	TimerUnstable TimerKind = "unstable-confirm"
)

// Scheduler defers (name, kind, generation) until delay has elapsed, then
// dispatches it back to the Supervisor. It is deliberately data-only (no
// closures) so a durable implementation can serialize the call across a
// restart. The default, used unless overridden, is an in-process
// time.AfterFunc; internal/schedule provides an Asynq-backed one.
type Scheduler interface {
	Schedule(name string, kind TimerKind, generation uuid.UUID, delay time.Duration)
}

// Dispatcher is called by a Scheduler implementation when a timer fires.
type Dispatcher func(name string, kind TimerKind, generation uuid.UUID)

type inProcessScheduler struct {
	dispatch Dispatcher
}

// NewInProcessScheduler returns a Scheduler backed by time.AfterFunc. Timers
// do not survive a process restart — use internal/schedule's Asynq-backed
// Scheduler when that matters.
func NewInProcessScheduler(dispatch Dispatcher) Scheduler {
	return &inProcessScheduler{dispatch: dispatch}
}

func (s *inProcessScheduler) Schedule(name string, kind TimerKind, generation uuid.UUID, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.dispatch(name, kind, generation)
	})
}

// Pinger is implemented by Instance strategies that can issue a cheap
// liveness probe over their live control channel without tearing anything
// down. The Liveness Scanner (spec §4.6) uses this; its failure only ever
// posts a trigger event, never mutates state directly.
type Pinger interface {
	Ping() error
}

type eventKind int

const (
	evConnect eventKind = iota
	evDisconnect
	evManualGraceExpired
	evInstanceReady
	evInstanceStreamClose
	evInstanceStreamErr
	evInstanceError
	evVerifierResult
	evRetryTimerFired
	evRefreshTimerFired
	evUnstableConfirmFired
	evLivenessScan
	evDiagnose
)

// event is the single unified message type flowing through a per-name
// handler's channel. generation is the zero value (uuid.Nil) for events that
// always apply (Connect, Disconnect, a liveness scan, and a diagnose query);
// every other event, including the manual-disconnect grace expiry, carries
// the generation of the connect attempt or disconnect it belongs to, and is silently dropped if it no longer matches the
// handler's current generation — the concrete mechanism behind spec §4.4's
// "Verifier race" rule and invariant 3.
type event struct {
	kind       eventKind
	generation uuid.UUID

	cfg TunnelConfig // evConnect

	exitCode int // evInstanceStreamClose
	text     string // evInstanceStreamErr

	errKind       ErrorKind // evInstanceError
	reason        string    // evInstanceError, evVerifierResult
	remoteClosure bool      // evInstanceError, evVerifierResult

	verifierOK bool // evVerifierResult

	diagReply chan DiagnosticResult // evDiagnose
}

// Supervisor owns every tunnel's state and is the single value an
// application constructs at startup, per Design Notes §9 ("no global
// mutable singletons"). It is safe for concurrent use; each tunnel name is
// served by its own goroutine so no two events for the same name are ever
// processed concurrently (spec §5), while different names proceed in
// parallel.
type Supervisor struct {
	store     ConfigStore
	bus       *Broadcaster
	verify    VerifyFunc
	newInst   func(Strategy) Instance
	scheduler Scheduler

	mu       sync.Mutex
	handlers map[string]*handler
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithVerifier overrides the Verifier function (tests inject a stub).
func WithVerifier(f VerifyFunc) Option { return func(s *Supervisor) { s.verify = f } }

// WithInstanceFactory overrides how Instances are constructed (tests inject
// a fake Instance).
func WithInstanceFactory(f func(Strategy) Instance) Option {
	return func(s *Supervisor) { s.newInst = f }
}

// WithScheduler overrides the Scheduler (e.g. the Asynq-backed one in
// internal/schedule).
func WithScheduler(sched Scheduler) Option { return func(s *Supervisor) { s.scheduler = sched } }

// NewSupervisor constructs a Supervisor. bus receives every status
// transition; store resolves configs for retry-driven reconnects.
func NewSupervisor(store ConfigStore, bus *Broadcaster, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:    store,
		bus:      bus,
		verify:   Verify,
		newInst:  NewInstance,
		handlers: make(map[string]*handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scheduler == nil {
		s.scheduler = NewInProcessScheduler(s.DispatchTimer)
	}
	return s
}

// DispatchTimer is called by a Scheduler when a retry/refresh/unstable-
// confirm timer fires. It is exported so an out-of-process Scheduler
// implementation (internal/schedule) can call back into the Supervisor
// without this package depending on it.
func (s *Supervisor) DispatchTimer(name string, kind TimerKind, generation uuid.UUID) {
	h := s.lookup(name)
	if h == nil {
		return
	}
	var ek eventKind
	switch kind {
	case TimerRetry:
		ek = evRetryTimerFired
	case TimerRefresh:
		ek = evRefreshTimerFired
	case TimerUnstable:
		ek = evUnstableConfirmFired
	default:
		return
	}
	h.send(event{kind: ek, generation: generation})
}

func (s *Supervisor) lookup(name string) *handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[name]
}

// handlerFor returns the handler for name, spawning its goroutine lazily on
// first reference (spec §3 "Lifecycle").
func (s *Supervisor) handlerFor(name string) *handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[name]
	if !ok {
		h = &handler{
			name:   name,
			sup:    s,
			events: make(chan event, 64),
		}
		s.handlers[name] = h
		go h.run()
	}
	return h
}

// Connect resolves cfg via the Supervisor's ConfigStore semantics by taking
// cfg directly (the caller — Ingress — already did the store lookup/write),
// clears manualDisconnect/retriesExhausted/retryCount, and starts a fresh
// connect sequence.
func (s *Supervisor) Connect(cfg TunnelConfig) {
	h := s.handlerFor(cfg.Name)
	h.send(event{kind: evConnect, cfg: cfg})
}

// Disconnect tears down name's instance/verifier/timers and marks it
// manually disconnected for manualDisconnectGrace.
func (s *Supervisor) Disconnect(name string) {
	h := s.handlerFor(name)
	h.send(event{kind: evDisconnect})
}

// Snapshot returns the full last-known status map (spec §4.5/§6).
func (s *Supervisor) Snapshot() map[string]StatusRecord {
	return s.bus.Snapshot()
}

// Diagnose answers the `diagnose` command (spec §4.7/§6) by querying the
// owning handler synchronously.
func (s *Supervisor) Diagnose(name string) (DiagnosticResult, bool) {
	h := s.lookup(name)
	if h == nil {
		return DiagnosticResult{}, false
	}
	reply := make(chan DiagnosticResult, 1)
	h.send(event{kind: evDiagnose, diagReply: reply})
	select {
	case r := <-reply:
		return r, true
	case <-time.After(2 * time.Second):
		return DiagnosticResult{}, false
	}
}

// PokeLiveness is called by the Liveness Scanner for every tunnel it
// considers connected. It never changes state directly — it only posts a
// trigger the owning handler may act on (spec §4.6).
func (s *Supervisor) PokeLiveness(name string) {
	h := s.lookup(name)
	if h == nil {
		return
	}
	h.send(event{kind: evLivenessScan})
}

// ConnectedNames returns the names currently published as Connected or
// Unstable, the set the Liveness Scanner iterates.
func (s *Supervisor) ConnectedNames() []string {
	snap := s.bus.Snapshot()
	names := make([]string, 0, len(snap))
	for name, st := range snap {
		if st.Status == PhaseConnected || st.Status == PhaseUnstable {
			names = append(names, name)
		}
	}
	return names
}

// ─── per-name handler ───────────────────────────────────────────────────

// handler is the single-writer actor owning one TunnelState. All mutation
// happens inside run(), on its own goroutine — no locks are needed over its
// fields (spec §5 "no two events for the same name are processed
// concurrently").
type handler struct {
	name string
	sup  *Supervisor

	events chan event

	phase      Phase
	cfg        TunnelConfig
	generation uuid.UUID

	retryCount               int
	retriesExhausted         bool
	manualDisconnect         bool
	remoteClosureSeenInSeq   bool
	lastReason               string
	lastStreamErr            string

	instance       Instance
	instanceCancel context.CancelFunc
	verifierInFlight bool
	verifierCancel   context.CancelFunc
	periodicVerify   bool
	unstableAttempts int
	retryArmed       bool
}

func (h *handler) send(ev event) {
	select {
	case h.events <- ev:
	default:
		// Buffer exhausted is only reachable under pathological event storms;
		// log and drop rather than block the caller indefinitely.
		log.Printf("[supervisor] %s: event queue full, dropping kind=%d", h.name, ev.kind)
	}
}

func (h *handler) run() {
	for ev := range h.events {
		if ev.generation != uuid.Nil && ev.generation != h.generation {
			continue
		}
		h.handle(ev)
	}
}

func (h *handler) handle(ev event) {
	switch ev.kind {
	case evConnect:
		h.handleConnect(ev.cfg)
	case evDisconnect:
		h.handleDisconnect()
	case evManualGraceExpired:
		h.manualDisconnect = false
	case evInstanceReady:
		h.handleReady()
	case evInstanceStreamClose:
		h.handleStreamClose(ev.exitCode)
	case evInstanceStreamErr:
		h.handleStreamErr(ev.text)
	case evInstanceError:
		h.handleInstanceError(ev.errKind, ev.reason, ev.remoteClosure)
	case evVerifierResult:
		h.handleVerifierResult(ev.verifierOK, ev.reason, ev.remoteClosure)
	case evRetryTimerFired:
		h.handleRetryTimerFired()
	case evRefreshTimerFired:
		h.handlePeriodicVerifyTrigger()
	case evUnstableConfirmFired:
		h.handlePeriodicVerifyTrigger()
	case evLivenessScan:
		h.handleLivenessScan()
	case evDiagnose:
		h.handleDiagnose(ev.diagReply)
	}
}

func (h *handler) publish(status StatusRecord) {
	h.sup.bus.Publish(h.name, status, h.retryArmed)
}

// cancelCurrent stops any live instance/verifier for the current generation.
// Called before starting a new generation (fresh Connect) or on Disconnect.
func (h *handler) cancelCurrent() {
	if h.instance != nil {
		h.instance.Stop()
		h.instance = nil
	}
	if h.instanceCancel != nil {
		h.instanceCancel()
		h.instanceCancel = nil
	}
	if h.verifierCancel != nil {
		h.verifierCancel()
		h.verifierCancel = nil
	}
	h.verifierInFlight = false
	h.retryArmed = false
}

func (h *handler) teardownInstance() {
	if h.instance != nil {
		h.instance.Stop()
		h.instance = nil
	}
	if h.instanceCancel != nil {
		h.instanceCancel()
		h.instanceCancel = nil
	}
}

func (h *handler) handleConnect(cfg TunnelConfig) {
	h.cancelCurrent()
	h.cfg = cfg
	h.retryCount = 0
	h.retriesExhausted = false
	h.remoteClosureSeenInSeq = false
	h.manualDisconnect = false
	h.unstableAttempts = 0
	h.generation = uuid.New()
	h.phase = PhaseConnecting
	h.publish(connectingStatus(0))
	h.spawnInstance()
}

func (h *handler) handleDisconnect() {
	if h.phase == PhaseDisconnected && h.manualDisconnect {
		return // two rapid Disconnects publish exactly once (spec §8)
	}
	h.cancelCurrent()
	h.manualDisconnect = true
	h.phase = PhaseDisconnected
	// Bump the generation so any in-flight verifier/instance event that slips
	// past cancelCurrent's cancel (spawnVerifier/spawnInstance's ctx.Done()
	// check races with verifierCancel/instanceCancel) is dropped by run()'s
	// generation filter instead of being processed post-Disconnect.
	h.generation = uuid.New()
	h.publish(disconnectedStatus(true))

	gen := h.generation
	time.AfterFunc(manualDisconnectGrace, func() {
		h.send(event{kind: evManualGraceExpired, generation: gen})
	})
}

func (h *handler) spawnInstance() {
	ctx, cancel := context.WithCancel(context.Background())
	h.instanceCancel = cancel
	gen := h.generation

	raw := make(chan InstanceEvent, 8)
	inst := h.sup.newInst(h.cfg.Strategy)
	h.instance = inst

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ie, ok := <-raw:
				if !ok {
					return
				}
				if ie.Kind == EventClosed {
					// Terminal marker for an instance we ourselves stopped;
					// nothing for the state machine to react to.
					return
				}
				h.send(instanceEventToEvent(ie, gen))
			}
		}
	}()

	inst.Start(ctx, h.cfg, raw)
}

func (h *handler) spawnVerifier() {
	h.verifierInFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	h.verifierCancel = cancel
	gen := h.generation
	cfg := h.cfg

	go func() {
		result := h.sup.verify(ctx, cfg)
		select {
		case <-ctx.Done():
			return // cancelled; discard per §4.4 "Verifier race"
		default:
		}
		h.send(event{
			kind:          evVerifierResult,
			generation:    gen,
			verifierOK:    result.OK,
			reason:        result.Reason,
			remoteClosure: result.RemoteClosure,
		})
	}()
}

func (h *handler) handleReady() {
	if h.phase != PhaseConnecting {
		return
	}
	h.periodicVerify = false
	h.phase = PhaseVerifying
	h.publish(verifyingStatus())
	h.spawnVerifier()
}

func (h *handler) handleInstanceError(kind ErrorKind, reason string, remoteClosure bool) {
	if h.phase != PhaseConnecting {
		return
	}
	h.instance = nil
	h.failConnected(kind, reason, remoteClosure)
}

func (h *handler) handleStreamErr(text string) {
	h.lastStreamErr = text
	kind := Classify(text)
	if kind == ErrUnknown {
		return // diagnostic noise only
	}
	if h.phase != PhaseConnected && h.phase != PhaseUnstable && h.phase != PhaseVerifying {
		return
	}
	h.failConnected(kind, text, IsRemoteClosure(text))
}

func (h *handler) handleStreamClose(exitCode int) {
	if h.phase != PhaseConnected && h.phase != PhaseUnstable && h.phase != PhaseVerifying && h.phase != PhaseConnecting {
		return
	}
	remoteClosure := exitCode == 255
	reason := h.lastStreamErr
	if reason == "" {
		reason = fmt.Sprintf("stream closed (exit %d)", exitCode)
	}
	kind := Classify(reason)
	if remoteClosure {
		kind = ErrNetwork
	}
	h.failConnected(kind, reason, remoteClosure)
}

// failConnected tears down any live instance and applies the shared
// remote-closure override + retry policy from spec §4.4. It is the single
// path every failure transition (Connecting error, critical streamErr,
// streamClose, and a non-periodic verify failure) funnels through.
func (h *handler) failConnected(kind ErrorKind, reason string, remoteClosure bool) {
	h.teardownInstance()
	// A critical streamErr/streamClose can arrive while a verifier spawned by
	// handleReady/handlePeriodicVerifyTrigger is still in flight; cancel it so
	// its eventual result can't reach handleVerifierResult after the sequence
	// has already moved to Retrying/Failed (spec §4.4 "Verifier race").
	if h.verifierCancel != nil {
		h.verifierCancel()
		h.verifierCancel = nil
	}
	h.verifierInFlight = false

	if remoteClosure {
		if !h.remoteClosureSeenInSeq {
			h.remoteClosureSeenInSeq = true
			h.retriesExhausted = false
			h.retryCount = 0
		}
		h.applyRetryPolicy(reason)
		return
	}
	if !kind.Retryable() {
		h.transitionFailed(reason, false)
		return
	}
	h.applyRetryPolicy(reason)
}

func (h *handler) transitionFailed(reason string, exhausted bool) {
	h.phase = PhaseFailed
	h.lastReason = reason
	h.retryArmed = false
	h.publish(failedStatus(reason, exhausted))
}

// applyRetryPolicy implements spec §4.4's bounded retry policy: increment,
// fail if exhausted, otherwise arm a single timer for the policy interval.
func (h *handler) applyRetryPolicy(reason string) {
	h.lastReason = reason
	h.unstableAttempts = 0
	h.retryCount++

	if h.retryCount > h.cfg.RetryPolicy.MaxRetries {
		h.retriesExhausted = true
		h.transitionFailed("Max retries exhausted", true)
		return
	}

	nextInSec := h.cfg.retryInterval() / 1000
	h.retryArmed = true
	h.phase = PhaseRetrying
	h.publish(retryingStatus(h.retryCount, h.cfg.RetryPolicy.MaxRetries, nextInSec))

	gen := h.generation
	h.sup.scheduler.Schedule(h.name, TimerRetry, gen, time.Duration(h.cfg.retryInterval())*time.Millisecond)
}

func (h *handler) handleRetryTimerFired() {
	if h.phase != PhaseRetrying {
		return
	}
	if h.manualDisconnect {
		return // abort silently per spec §4.4 step 4
	}
	h.retryArmed = false
	// Re-resolve the config from the shared hostConfigs store before
	// reconnecting (spec §5): an operator may have pushed an updated config
	// for name since the sequence started, and a reconnect should pick it up
	// rather than keep retrying against a stale cfg. retryCount itself is
	// preserved regardless (spec §4.4 step 4).
	if cfg, ok := h.sup.store.Get(h.name); ok {
		h.cfg = cfg
	}
	h.generation = uuid.New() // new attempt; retryCount is preserved across it
	h.phase = PhaseConnecting
	h.publish(connectingStatus(h.retryCount))
	h.spawnInstance()
}

func (h *handler) armRefreshTimer() {
	gen := h.generation
	delay := time.Duration(h.cfg.refreshInterval()) * time.Millisecond
	h.sup.scheduler.Schedule(h.name, TimerRefresh, gen, delay)
}

// handlePeriodicVerifyTrigger starts a re-verify while Connected/Unstable,
// triggered either by the refresh timer or by a Liveness Scanner anomaly.
// The double-verify guard (spec §4.4) means a second trigger while one is
// already in flight is a no-op.
func (h *handler) handlePeriodicVerifyTrigger() {
	if h.phase != PhaseConnected && h.phase != PhaseUnstable {
		return
	}
	if h.verifierInFlight {
		return
	}
	h.periodicVerify = true
	h.phase = PhaseVerifying
	h.publish(verifyingStatus())
	h.spawnVerifier()
}

func (h *handler) handleLivenessScan() {
	if h.phase != PhaseConnected && h.phase != PhaseUnstable {
		return
	}
	if pinger, ok := h.instance.(Pinger); ok {
		if err := pinger.Ping(); err == nil {
			return // alive; no anomaly, no trigger
		}
	}
	h.handlePeriodicVerifyTrigger()
}

func (h *handler) handleVerifierResult(ok bool, reason string, remoteClosure bool) {
	if h.phase != PhaseVerifying {
		// A legitimate result only ever arrives while Verifying; a stale one
		// from a verifier that raced past cancellation (generation filter in
		// run() is the first backstop, this is the second) must not drive a
		// phase transition once the sequence has moved on.
		return
	}
	h.verifierInFlight = false

	if ok {
		h.unstableAttempts = 0
		if !h.periodicVerify {
			h.retryCount = 0
			h.retriesExhausted = false
			h.remoteClosureSeenInSeq = false
		}
		h.phase = PhaseConnected
		h.publish(connectedStatus())
		h.armRefreshTimer()
		return
	}

	if !h.periodicVerify {
		// Initial connect-sequence verify failure: no instance to preserve.
		kind := Classify(reason)
		if remoteClosure {
			kind = ErrNetwork
		}
		h.failConnected(kind, reason, remoteClosure)
		return
	}

	// Periodic (refresh/liveness) verify failure: the instance's control
	// channel is still alive, so confirm via Unstable before giving up.
	if remoteClosure {
		h.failConnected(ErrNetwork, reason, true)
		return
	}

	kind := Classify(reason)
	h.unstableAttempts++
	if h.unstableAttempts >= maxVerificationAttempts {
		h.failConnected(kind, reason, false)
		return
	}

	h.phase = PhaseUnstable
	h.publish(unstableStatus())

	gen := h.generation
	h.sup.scheduler.Schedule(h.name, TimerUnstable, gen, unstableConfirmDelay)
}

func (h *handler) handleDiagnose(reply chan DiagnosticResult) {
	reply <- DiagnosticResult{
		Name:                h.name,
		Phase:               h.phase,
		RetryCount:          h.retryCount,
		HasInflightVerifier: h.verifierInFlight,
		ManualDisconnect:    h.manualDisconnect,
	}
}

// instanceEventToEvent converts an Instance's event into the generation-
// tagged event the owning handler's loop understands. EventClosed is
// filtered out by the caller before this is reached.
func instanceEventToEvent(ie InstanceEvent, gen uuid.UUID) event {
	switch ie.Kind {
	case EventReady:
		return event{kind: evInstanceReady, generation: gen}
	case EventStreamClose:
		return event{kind: evInstanceStreamClose, generation: gen, exitCode: ie.ExitCode}
	case EventStreamErr:
		return event{kind: evInstanceStreamErr, generation: gen, text: ie.Text}
	default: // EventError
		return event{kind: evInstanceError, generation: gen, errKind: ie.ErrKind, reason: ie.Reason, remoteClosure: ie.RemoteClosure}
	}
}
