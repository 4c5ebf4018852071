package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// execInstance drives the forward by shelling out to `ssh` (wrapped in
// `sshpass` for password auth), the alternate strategy allowed by spec §4.3.
// It pipes stdout/stderr directly rather than allocating a PTY — a reverse
// forward has no terminal, and requesting one would only produce the
// "Pseudo-terminal will not be allocated" warning the spec requires
// suppressing anyway (see DESIGN.md for why creack/pty has no home here).
type execInstance struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool
}

func (in *execInstance) Start(ctx context.Context, cfg TunnelConfig, events chan<- InstanceEvent) {
	go in.run(ctx, cfg, events)
}

func (in *execInstance) run(ctx context.Context, cfg TunnelConfig, events chan<- InstanceEvent) {
	args := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=5",
		"-o", "ServerAliveCountMax=10",
		"-p", fmt.Sprintf("%d", cfg.Source.SSHPort),
		"-R", fmt.Sprintf("%d:127.0.0.1:%d", cfg.Remote.BoundPort, cfg.Source.ForwardedPort),
		"-N",
		fmt.Sprintf("%s@%s", cfg.Source.User, cfg.Source.IP),
	}

	name := "ssh"
	if cfg.Source.Password != "" {
		name = "sshpass"
		args = append([]string{"-p", cfg.Source.Password, "ssh"}, args...)
	}

	cmd := exec.CommandContext(ctx, name, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		in.emitError(events, ErrUnknown, err.Error(), false)
		return
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		events <- InstanceEvent{Kind: EventClosed}
		return
	}
	in.cmd = cmd
	in.mu.Unlock()

	if err := cmd.Start(); err != nil {
		in.emitError(events, Classify(err.Error()), err.Error(), IsRemoteClosure(err.Error()))
		return
	}

	events <- InstanceEvent{Kind: EventReady}

	go in.scanStderr(stderr, events)

	err = cmd.Wait()
	in.mu.Lock()
	wasClosed := in.closed
	in.mu.Unlock()
	if wasClosed {
		events <- InstanceEvent{Kind: EventClosed}
		return
	}

	exitCode := exitCodeOf(err)
	events <- InstanceEvent{
		Kind:          EventStreamClose,
		ExitCode:      exitCode,
		RemoteClosure: exitCode == 255,
	}
}

// scanStderr forwards ssh's diagnostic stderr lines as streamErr events,
// suppressing the pty-allocation warning per spec §4.3.
func (in *execInstance) scanStderr(r io.Reader, events chan<- InstanceEvent) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, pseudoTTYWarning) {
			continue
		}
		events <- InstanceEvent{Kind: EventStreamErr, Text: line}
	}
}

func (in *execInstance) emitError(events chan<- InstanceEvent, kind ErrorKind, reason string, remoteClosure bool) {
	events <- InstanceEvent{Kind: EventError, ErrKind: kind, Reason: reason, RemoteClosure: remoteClosure}
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// Ping checks that the ssh/sshpass child process is still alive. The exec
// strategy has no control channel to exec over, so this is a weaker probe
// than nativeInstance's — a hung-but-alive ssh process won't be caught
// until the next full Verifier pass.
func (in *execInstance) Ping() error {
	in.mu.Lock()
	cmd := in.cmd
	closed := in.closed
	in.mu.Unlock()
	if closed || cmd == nil || cmd.Process == nil {
		return fmt.Errorf("tunnel: instance not connected")
	}
	return cmd.Process.Signal(syscall.Signal(0))
}

func (in *execInstance) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	if in.cmd != nil && in.cmd.Process != nil {
		_ = in.cmd.Process.Kill()
	}
}
