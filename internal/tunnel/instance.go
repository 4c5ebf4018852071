package tunnel

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
)

const (
	// instanceConnectTimeout bounds Start per spec §4.3.
	instanceConnectTimeout = 15 * time.Second
	// keepaliveInterval and keepaliveMissed implement the "≤5s interval,
	// ≥10 missed before giving up" keepalive requirement.
	keepaliveInterval = 5 * time.Second
	keepaliveMissed   = 10
)

// pseudoTTYWarning is suppressed per spec §4.3 edge case; it is emitted by
// OpenSSH servers whenever a session requests no PTY, which this package
// always does (a reverse-forward session has no terminal).
const pseudoTTYWarning = "Pseudo-terminal will not be allocated"

// InstanceEventKind discriminates the events an Instance emits.
type InstanceEventKind int

const (
	EventReady InstanceEventKind = iota
	EventStreamClose
	EventStreamErr
	EventError
	EventClosed
)

// InstanceEvent is a single lifecycle event emitted by an Instance. Only the
// fields relevant to Kind are populated.
type InstanceEvent struct {
	Kind          InstanceEventKind
	ExitCode      int
	Text          string
	ErrKind       ErrorKind
	Reason        string
	RemoteClosure bool
}

// Instance owns one SSH control connection to the source host and the
// reverse-forward running over it. Implementations must be non-blocking:
// Start returns immediately and reports progress on events.
type Instance interface {
	// Start initiates the connection and forward. events must have enough
	// buffer (or a concurrent reader) that Start never blocks trying to send.
	Start(ctx context.Context, cfg TunnelConfig, events chan<- InstanceEvent)
	// Stop tears down the control connection and forward immediately. Safe
	// to call multiple times and from any goroutine.
	Stop()
}

// NewInstance returns the Instance implementation selected by cfg.Strategy.
func NewInstance(strategy Strategy) Instance {
	switch strategy {
	case StrategyExec:
		return &execInstance{}
	default:
		return &nativeInstance{}
	}
}

// nativeInstance drives golang.org/x/crypto/ssh directly: it dials the
// source host and asks the source to reverse-bind
// cfg.Remote.BoundPort on the remote (endpoint) side — mirroring the request/accept
// shape of the teacher's tunnel.Server.forwardConn, but running the dial and
// "tcpip-forward" side from the client rather than the server.
type nativeInstance struct {
	mu     sync.Mutex
	client *cryptossh.Client
	ln     net.Listener
	stopCh chan struct{}
	closed bool
}

func (in *nativeInstance) Start(ctx context.Context, cfg TunnelConfig, events chan<- InstanceEvent) {
	in.mu.Lock()
	in.stopCh = make(chan struct{})
	in.mu.Unlock()

	go in.run(ctx, cfg, events)
}

func (in *nativeInstance) run(ctx context.Context, cfg TunnelConfig, events chan<- InstanceEvent) {
	authMethod, err := authMethodFor(cfg.Source)
	if err != nil {
		in.emitError(events, ErrAuth, err.Error(), false)
		return
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.Source.User,
		Auth:            []cryptossh.AuthMethod{authMethod},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec // single-hop, credential-scoped trust
		Timeout:         instanceConnectTimeout,
		ClientVersion:   "SSH-2.0-tunneld",
	}

	addr := fmt.Sprintf("%s:%d", cfg.Source.IP, cfg.Source.SSHPort)

	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		c, err := cryptossh.Dial("tcp", addr, clientCfg)
		dialCh <- dialResult{c, err}
	}()

	var client *cryptossh.Client
	select {
	case <-in.stoppedBeforeReady():
		in.emitClosed(events)
		return
	case <-time.After(instanceConnectTimeout):
		in.emitError(events, ErrTimeout, "Connection timeout", false)
		return
	case r := <-dialCh:
		if r.err != nil {
			kind := Classify(r.err.Error())
			in.emitError(events, kind, r.err.Error(), IsRemoteClosure(r.err.Error()))
			return
		}
		client = r.client
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		_ = client.Close()
		in.emitClosed(events)
		return
	}
	in.client = client
	in.mu.Unlock()

	// Ask the source to reverse-bind the endpoint's loopback side: the
	// endpoint TCP-dials boundPort, and the source forwards it back to
	// forwardedPort on its own loopback, the same semantics as
	// `ssh -R boundPort:127.0.0.1:forwardedPort remote`.
	remoteAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Remote.BoundPort)
	ln, err := client.Listen("tcp", remoteAddr)
	if err != nil {
		kind := Classify(err.Error())
		in.emitError(events, kind, err.Error(), IsRemoteClosure(err.Error()))
		_ = client.Close()
		return
	}

	in.mu.Lock()
	in.ln = ln
	in.mu.Unlock()

	events <- InstanceEvent{Kind: EventReady}

	go in.keepalive(client, events)
	in.acceptLoop(ln, cfg, events)
}

// stoppedBeforeReady returns a channel that is closed if Stop() is called
// before the connection reaches ready. It lets the dial select react to an
// early Stop without a dedicated goroutine per call.
func (in *nativeInstance) stoppedBeforeReady() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.stopCh
}

// acceptLoop accepts connections on the reverse listener and proxies each to
// the source's forwarded port, exactly as the teacher's runListener/
// forwardConn pair does for the opposite direction.
func (in *nativeInstance) acceptLoop(ln net.Listener, cfg TunnelConfig, events chan<- InstanceEvent) {
	sourceAddr := fmt.Sprintf("127.0.0.1:%d", cfg.Source.ForwardedPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			in.mu.Lock()
			wasClosed := in.closed
			in.mu.Unlock()
			if wasClosed {
				in.emitClosed(events)
			} else {
				events <- InstanceEvent{Kind: EventStreamClose, ExitCode: 255, RemoteClosure: true}
			}
			return
		}
		go in.proxy(conn, sourceAddr, events)
	}
}

func (in *nativeInstance) proxy(remoteConn net.Conn, sourceAddr string, events chan<- InstanceEvent) {
	defer remoteConn.Close()

	local, err := net.DialTimeout("tcp", sourceAddr, instanceConnectTimeout)
	if err != nil {
		if !strings.Contains(err.Error(), pseudoTTYWarning) {
			events <- InstanceEvent{Kind: EventStreamErr, Text: err.Error()}
		}
		return
	}
	defer local.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(local, remoteConn) }()
	go func() { defer wg.Done(); _, _ = io.Copy(remoteConn, local) }()
	wg.Wait()
}

// keepalive sends keepalive@openssh.com global requests and stops the
// instance if the control connection stops responding, mirroring
// tunnel.Server.keepalive's request/timeout pattern.
func (in *nativeInstance) keepalive(client *cryptossh.Client, events chan<- InstanceEvent) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for range ticker.C {
		in.mu.Lock()
		closed := in.closed
		in.mu.Unlock()
		if closed {
			return
		}

		ch := make(chan error, 1)
		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			ch <- err
		}()

		select {
		case err := <-ch:
			if err != nil {
				missed++
			} else {
				missed = 0
			}
		case <-time.After(keepaliveInterval):
			missed++
		}

		if missed >= keepaliveMissed {
			log.Printf("[instance] keepalive exhausted for %s — closing", client.RemoteAddr())
			in.Stop()
			events <- InstanceEvent{Kind: EventStreamClose, ExitCode: 255, RemoteClosure: true}
			return
		}
	}
}

// Ping issues a cheap no-op exec over the live control connection, the
// probe the Liveness Scanner uses (spec §4.6). It never touches the forward
// listener and never emits an InstanceEvent — a failure here is surfaced by
// the caller posting its own trigger event.
func (in *nativeInstance) Ping() error {
	in.mu.Lock()
	client := in.client
	closed := in.closed
	in.mu.Unlock()
	if closed || client == nil {
		return fmt.Errorf("tunnel: instance not connected")
	}
	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Run("echo keepalive")
}

func (in *nativeInstance) emitError(events chan<- InstanceEvent, kind ErrorKind, reason string, remoteClosure bool) {
	events <- InstanceEvent{Kind: EventError, ErrKind: kind, Reason: reason, RemoteClosure: remoteClosure}
}

func (in *nativeInstance) emitClosed(events chan<- InstanceEvent) {
	events <- InstanceEvent{Kind: EventClosed}
}

// Stop tears down the control connection and forward listener immediately.
// Idempotent and safe to call before Start reaches ready, in which case the
// in-flight dial observes stopCh and emits a single closed event.
func (in *nativeInstance) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	if in.stopCh != nil {
		close(in.stopCh)
	}
	if in.ln != nil {
		_ = in.ln.Close()
	}
	if in.client != nil {
		_ = in.client.Close()
	}
}
