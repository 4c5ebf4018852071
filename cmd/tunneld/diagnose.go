package main

import (
	"fmt"
	"net/url"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

var diagnoseAddr string

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <name>",
	Short: "Print a single tunnel's diagnostic snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiagnose,
}

func init() {
	diagnoseCmd.Flags().StringVar(&diagnoseAddr, "addr", "localhost:8080", "tunneld realtime address (host:port)")
	rootCmd.AddCommand(diagnoseCmd)
}

type diagnoseMessage struct {
	Type       string                   `json:"type"`
	Name       string                   `json:"name,omitempty"`
	Diagnostic *tunnel.DiagnosticResult `json:"diagnostic,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	name := args[0]
	u := url.URL{Scheme: "ws", Host: diagnoseAddr, Path: "/realtime"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	// Discard the initial tunnelStatus snapshot every connection opens with.
	var snapshot diagnoseMessage
	if err := conn.ReadJSON(&snapshot); err != nil {
		return fmt.Errorf("read initial snapshot: %w", err)
	}

	if err := conn.WriteJSON(map[string]string{"type": "diagnose", "name": name}); err != nil {
		return fmt.Errorf("send diagnose: %w", err)
	}

	var msg diagnoseMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read diagnose reply: %w", err)
	}
	if msg.Error != "" {
		return fmt.Errorf("%s", msg.Error)
	}
	if msg.Diagnostic == nil {
		return fmt.Errorf("tunneld: empty diagnostic reply for %q", name)
	}

	d := *msg.Diagnostic
	label := string(d.Phase)
	switch d.Phase {
	case tunnel.PhaseConnected:
		label = color.GreenString(label)
	case tunnel.PhaseFailed:
		label = color.RedString(label)
	case tunnel.PhaseRetrying, tunnel.PhaseUnstable, tunnel.PhaseVerifying:
		label = color.YellowString(label)
	}

	fmt.Printf("%s: %s\n", d.Name, label)
	fmt.Printf("  retries:          %d\n", d.RetryCount)
	fmt.Printf("  verifier running: %t\n", d.HasInflightVerifier)
	fmt.Printf("  manual disconnect:%t\n", d.ManualDisconnect)
	return nil
}
