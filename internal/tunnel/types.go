// Package tunnel implements the Tunnel Supervisor: the per-tunnel state
// machine that establishes an SSH reverse port-forward from a source host to
// an endpoint host, verifies it end to end, retries on failure, and
// broadcasts status transitions to subscribers.
//
// The package is pure infrastructure; it has no knowledge of how tunnel
// configurations are persisted or how subscribers are authenticated. Both are
// injected via the [ConfigStore] interface and by the caller of [Ingress],
// the same way the wider application injects a TokenValidator/SessionHooks
// pair into a connection acceptor.
package tunnel

import "fmt"

// Endpoint describes one side of a forwarded port: the machine the
// supervisor dials over SSH plus, depending on which side it describes, the
// local port to forward (source) or the port to bind on the remote listener
// (endpoint).
type Endpoint struct {
	// IP is the hostname or address the supervisor dials.
	IP string `json:"ip"`
	// SSHPort is the TCP port the SSH server listens on (usually 22).
	SSHPort int `json:"sshPort"`
	// User is the SSH login name.
	User string `json:"user"`
	// Password authenticates via SSH password auth. Ignored when PrivateKey
	// is set.
	Password string `json:"password,omitempty"`
	// PrivateKey is a PEM-encoded private key. Takes precedence over Password.
	PrivateKey string `json:"privateKey,omitempty"`
	// ForwardedPort is the port on the source host's loopback that the
	// reverse forward exposes. Only meaningful on the source Endpoint.
	ForwardedPort int `json:"forwardedPort,omitempty"`
	// BoundPort is the port the forward binds on the endpoint host. Only
	// meaningful on the remote Endpoint.
	BoundPort int `json:"boundPort,omitempty"`
}

// RetryPolicy bounds how many times a failed tunnel is retried and how long
// the supervisor waits between attempts. The interval is never backed off
// (linear), per the Design Notes' open-question resolution recorded in
// DESIGN.md.
type RetryPolicy struct {
	MaxRetries      int `json:"maxRetries"`
	RetryIntervalMs int `json:"retryIntervalMs"`
}

// Strategy selects which Instance implementation drives the SSH forward.
type Strategy string

const (
	// StrategyNative drives golang.org/x/crypto/ssh directly (default,
	// preferred per spec §4.3).
	StrategyNative Strategy = ""
	// StrategyExec shells out to ssh/sshpass.
	StrategyExec Strategy = "exec"
)

// TunnelConfig is the immutable input to a connect sequence. Name is the
// identity key throughout the supervisor.
type TunnelConfig struct {
	Name              string      `json:"name"`
	Source            Endpoint    `json:"source"`
	Remote            Endpoint    `json:"remote"`
	RetryPolicy       RetryPolicy `json:"retryPolicy"`
	RefreshIntervalMs int         `json:"refreshIntervalMs"`
	Strategy          Strategy    `json:"strategy,omitempty"`
}

// Validate rejects configs that can never be connected. This is the only
// validation the core performs; it runs at the Command Ingress boundary,
// never deeper in the state machine.
func (c TunnelConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("tunnel: config name must not be empty")
	}
	if c.Source.IP == "" || c.Source.User == "" {
		return fmt.Errorf("tunnel: source endpoint requires ip and user")
	}
	if c.Remote.IP == "" || c.Remote.User == "" {
		return fmt.Errorf("tunnel: remote endpoint requires ip and user")
	}
	if c.Source.Password == "" && c.Source.PrivateKey == "" {
		return fmt.Errorf("tunnel: source endpoint requires password or privateKey")
	}
	if c.Remote.Password == "" && c.Remote.PrivateKey == "" {
		return fmt.Errorf("tunnel: remote endpoint requires password or privateKey")
	}
	if c.RetryPolicy.MaxRetries < 0 {
		return fmt.Errorf("tunnel: retryPolicy.maxRetries must not be negative")
	}
	if c.RetryPolicy.RetryIntervalMs < 0 {
		return fmt.Errorf("tunnel: retryPolicy.retryIntervalMs must not be negative")
	}
	return nil
}

func (c TunnelConfig) retryInterval() int {
	if c.RetryPolicy.RetryIntervalMs <= 0 {
		return 5000
	}
	return c.RetryPolicy.RetryIntervalMs
}

func (c TunnelConfig) refreshInterval() int {
	if c.RefreshIntervalMs <= 0 {
		return 30000
	}
	return c.RefreshIntervalMs
}

// Phase is the observable state of a tunnel.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseVerifying    Phase = "verifying"
	PhaseConnected    Phase = "connected"
	PhaseUnstable     Phase = "unstable"
	PhaseRetrying     Phase = "retrying"
	PhaseFailed       Phase = "failed"
)

// StatusRecord is the externally-visible status published for one tunnel. It
// is the wire shape for the realtime channel's tunnelStatus/
// individualTunnelStatus messages (spec §6) and carries only the fields
// relevant to its Phase — constructed exclusively through the helpers below
// so an invalid combination (e.g. Connected with a RetryCount) can't be
// built by accident.
type StatusRecord struct {
	Connected        bool   `json:"connected"`
	Status           Phase  `json:"status"`
	RetryCount       int    `json:"retryCount,omitempty"`
	MaxRetries       int    `json:"maxRetries,omitempty"`
	NextRetryIn      int    `json:"nextRetryIn,omitempty"`
	Reason           string `json:"reason,omitempty"`
	ManualDisconnect bool   `json:"manualDisconnect,omitempty"`
	RetryExhausted   bool   `json:"retryExhausted,omitempty"`
}

func disconnectedStatus(manual bool) StatusRecord {
	return StatusRecord{Status: PhaseDisconnected, ManualDisconnect: manual}
}

func connectingStatus(retryCount int) StatusRecord {
	return StatusRecord{Status: PhaseConnecting, RetryCount: retryCount}
}

func verifyingStatus() StatusRecord {
	return StatusRecord{Status: PhaseVerifying}
}

func connectedStatus() StatusRecord {
	return StatusRecord{Status: PhaseConnected, Connected: true}
}

func unstableStatus() StatusRecord {
	return StatusRecord{Status: PhaseUnstable, Connected: true}
}

func retryingStatus(retryCount, maxRetries, nextRetryInSec int) StatusRecord {
	return StatusRecord{Status: PhaseRetrying, RetryCount: retryCount, MaxRetries: maxRetries, NextRetryIn: nextRetryInSec}
}

func failedStatus(reason string, exhausted bool) StatusRecord {
	if exhausted {
		reason = "Max retries exhausted"
	}
	return StatusRecord{Status: PhaseFailed, Reason: reason, RetryExhausted: exhausted}
}

// DiagnosticResult answers the `diagnose` command (spec §4.7, §6).
type DiagnosticResult struct {
	Name                 string `json:"name"`
	Phase                Phase  `json:"phase"`
	RetryCount           int    `json:"retryCount"`
	HasInflightVerifier  bool   `json:"hasInflightVerifier"`
	ManualDisconnect     bool   `json:"manualDisconnect"`
}

// ErrorKind classifies a raw error string into a retryability bucket.
type ErrorKind string

const (
	ErrAuth         ErrorKind = "auth"
	ErrNetwork      ErrorKind = "network"
	ErrPortConflict ErrorKind = "portConflict"
	ErrPermission   ErrorKind = "permission"
	ErrTimeout      ErrorKind = "timeout"
	ErrUnknown      ErrorKind = "unknown"
)

// Retryable reports whether a failure of this kind should be retried per the
// taxonomy in spec §4.1/§4.4.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrAuth, ErrPortConflict, ErrPermission:
		return false
	default:
		return true
	}
}
