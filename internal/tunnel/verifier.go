package tunnel

import (
	"context"
	"fmt"
	"strings"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
)

const (
	// verifierConnectTimeout bounds the initial SSH dial to the source host.
	verifierConnectTimeout = 8 * time.Second
	// verifierProbeTimeout bounds the whole probe, dial + remote exec.
	verifierProbeTimeout = 15 * time.Second
)

// remotePortCheckCmd is executed on the source host; it asks the source to
// check, from the endpoint's perspective, whether the bound port is locally
// accepting connections. The source is always the loopback side of the
// forward, so a plain TCP dial on the source is sufficient.
func remotePortCheckCmd(boundPort int) string {
	return fmt.Sprintf(
		`(echo > /dev/tcp/127.0.0.1/%d) >/dev/null 2>&1 && echo PORT_ACTIVE || echo PORT_INACTIVE`,
		boundPort,
	)
}

// VerifierResult is the outcome of a single probe. It never mutates
// TunnelState; the Supervisor decides what to do with it (spec §4.2).
type VerifierResult struct {
	OK            bool
	Reason        string
	RemoteClosure bool
}

// VerifyFunc runs one probe against cfg. The production implementation is
// [Verify]; tests inject a stub.
type VerifyFunc func(ctx context.Context, cfg TunnelConfig) VerifierResult

// Verify opens a short-lived SSH session to the source host (same
// credentials as the main Instance) and execs a remote command that reports
// whether the forwarded port is reachable. It owns its own timeouts and is
// pure w.r.t. supervisor state.
func Verify(ctx context.Context, cfg TunnelConfig) VerifierResult {
	ctx, cancel := context.WithTimeout(ctx, verifierProbeTimeout)
	defer cancel()

	authMethod, err := authMethodFor(cfg.Source)
	if err != nil {
		return VerifierResult{Reason: err.Error()}
	}

	clientCfg := &cryptossh.ClientConfig{
		User:            cfg.Source.User,
		Auth:            []cryptossh.AuthMethod{authMethod},
		HostKeyCallback: cryptossh.InsecureIgnoreHostKey(), //nolint:gosec // credential-scoped trust; see instance.go
		Timeout:         verifierConnectTimeout,
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
	case <-time.After(verifierConnectTimeout):
		return classifyVerifierFailure("Connection timeout during verification")
	case <-ctx.Done():
		return classifyVerifierFailure("Verification timeout")
	case r := <-dialCh:
		if r.err != nil {
			return classifyVerifierFailure(r.err.Error())
		}
		client = r.client
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return classifyVerifierFailure(err.Error())
	}
	defer sess.Close()

	type execResult struct {
		out []byte
		err error
	}
	execCh := make(chan execResult, 1)
	go func() {
		out, err := sess.CombinedOutput(remotePortCheckCmd(cfg.Remote.BoundPort))
		execCh <- execResult{out, err}
	}()

	select {
	case <-ctx.Done():
		return classifyVerifierFailure("Verification timeout")
	case r := <-execCh:
		if len(r.out) == 0 {
			return classifyVerifierFailure("No data received from port check")
		}
		if strings.Contains(string(r.out), "PORT_ACTIVE") {
			return VerifierResult{OK: true}
		}
		return VerifierResult{Reason: "Port is not accessible on remote host"}
	}
}

// classifyVerifierFailure builds a VerifierResult from a raw failure string,
// flagging RemoteClosure when it matches §4.1's remote-closure phrases so
// callers can apply the §4.4 override.
func classifyVerifierFailure(reason string) VerifierResult {
	return VerifierResult{
		Reason:        reason,
		RemoteClosure: IsRemoteClosure(reason),
	}
}

// authMethodFor mirrors the password/private-key selection used by Instance.
func authMethodFor(ep Endpoint) (cryptossh.AuthMethod, error) {
	if ep.PrivateKey != "" {
		signer, err := cryptossh.ParsePrivateKey([]byte(ep.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return cryptossh.PublicKeys(signer), nil
	}
	if ep.Password != "" {
		return cryptossh.Password(ep.Password), nil
	}
	return nil, fmt.Errorf("endpoint has neither password nor privateKey")
}
