package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

const serveShutdownGrace = 10 * time.Second

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the tunnel status table from a running tunneld",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "localhost:8080", "tunneld realtime address (host:port)")
}

// statusMessage mirrors handlers.serverMessage's tunnelStatus shape closely
// enough for this CLI's one use: decode the initial snapshot and exit.
type statusMessage struct {
	Type     string                        `json:"type"`
	Statuses map[string]tunnel.StatusRecord `json:"statuses"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	u := url.URL{Scheme: "ws", Host: statusAddr, Path: "/realtime"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	var msg statusMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read status: %w", err)
	}

	if len(msg.Statuses) == 0 {
		fmt.Println("no tunnels configured")
		return nil
	}
	printStatusTable(msg.Statuses)
	return nil
}
