package tunnel

import (
	"fmt"

	"golang.org/x/time/rate"
)

// Ingress is the Command Ingress of spec §4.7: the single validated,
// rate-limited entry point client commands go through before reaching the
// Supervisor. It owns the ConfigStore so a connectToHost command both
// persists the config and starts the connect sequence atomically from the
// caller's point of view.
type Ingress struct {
	sup     *Supervisor
	store   ConfigStore
	limiter *rate.Limiter

	defaultMaxRetries        int
	defaultRetryIntervalMs   int
	defaultRefreshIntervalMs int
}

// IngressOption configures an Ingress at construction time.
type IngressOption func(*Ingress)

// WithDefaultRetryPolicy fills in maxRetries for a connectToHost whose caller
// omitted retryPolicy entirely (both fields left at their JSON zero value),
// and retryIntervalMs whenever the caller left it at zero. An explicit `{maxRetries:0}` is indistinguishable
// from an omitted policy on the wire; this operator-configured default is the
// documented resolution (see DESIGN.md) rather than silently picking one.
func WithDefaultRetryPolicy(maxRetries, retryIntervalMs int) IngressOption {
	return func(i *Ingress) {
		i.defaultMaxRetries = maxRetries
		i.defaultRetryIntervalMs = retryIntervalMs
	}
}

// WithDefaultRefreshInterval fills in refreshIntervalMs for a connectToHost
// whose caller left it at zero.
func WithDefaultRefreshInterval(ms int) IngressOption {
	return func(i *Ingress) { i.defaultRefreshIntervalMs = ms }
}

// NewIngress returns an Ingress whose connectToHost/closeTunnel commands
// share one token bucket of size burst, refilling at rps per second — guarding
// against a client hammering the supervisor with reconnect storms.
func NewIngress(sup *Supervisor, store ConfigStore, rps float64, burst int, opts ...IngressOption) *Ingress {
	i := &Ingress{
		sup:     sup,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// applyDefaults fills in a TunnelConfig's zero-valued policy fields from the
// operator-configured defaults, before Validate ever sees it.
func (i *Ingress) applyDefaults(cfg TunnelConfig) TunnelConfig {
	if cfg.RetryPolicy.MaxRetries == 0 && cfg.RetryPolicy.RetryIntervalMs == 0 && i.defaultMaxRetries > 0 {
		cfg.RetryPolicy.MaxRetries = i.defaultMaxRetries
	}
	if cfg.RetryPolicy.RetryIntervalMs == 0 && i.defaultRetryIntervalMs > 0 {
		cfg.RetryPolicy.RetryIntervalMs = i.defaultRetryIntervalMs
	}
	if cfg.RefreshIntervalMs == 0 && i.defaultRefreshIntervalMs > 0 {
		cfg.RefreshIntervalMs = i.defaultRefreshIntervalMs
	}
	return cfg
}

// ConnectToHost validates cfg, persists it, and starts (or restarts) its
// connect sequence.
func (i *Ingress) ConnectToHost(cfg TunnelConfig) error {
	if !i.limiter.Allow() {
		return fmt.Errorf("tunnel: connectToHost rate limit exceeded")
	}
	cfg = i.applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := i.store.Put(cfg); err != nil {
		return err
	}
	i.sup.Connect(cfg)
	return nil
}

// CloseTunnel issues a manual Disconnect for name.
func (i *Ingress) CloseTunnel(name string) error {
	if !i.limiter.Allow() {
		return fmt.Errorf("tunnel: closeTunnel rate limit exceeded")
	}
	if name == "" {
		return fmt.Errorf("tunnel: name must not be empty")
	}
	i.sup.Disconnect(name)
	return nil
}

// GetTunnelStatus returns the full status snapshot, unrate-limited since it
// is read-only and cheap.
func (i *Ingress) GetTunnelStatus() map[string]StatusRecord {
	return i.sup.Snapshot()
}

// Diagnose answers the diagnose command for name.
func (i *Ingress) Diagnose(name string) (DiagnosticResult, error) {
	result, ok := i.sup.Diagnose(name)
	if !ok {
		return DiagnosticResult{}, fmt.Errorf("tunnel: unknown tunnel %q", name)
	}
	return result, nil
}
