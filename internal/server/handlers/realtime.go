package handlers

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

var realtimeUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the wire shape of every command a client sends over the
// realtime channel (spec §6 / §4.7).
type clientMessage struct {
	Type   string              `json:"type"`
	Config *tunnel.TunnelConfig `json:"config,omitempty"`
	Name   string              `json:"name,omitempty"`
}

// serverMessage is the wire shape of every message tunneld sends back.
// Only the field matching Type is populated.
type serverMessage struct {
	Type       string                        `json:"type"`
	Statuses   map[string]tunnel.StatusRecord `json:"statuses,omitempty"`
	Name       string                        `json:"name,omitempty"`
	Status     *tunnel.StatusRecord          `json:"status,omitempty"`
	Diagnostic *tunnel.DiagnosticResult      `json:"diagnostic,omitempty"`
	Error      string                        `json:"error,omitempty"`
	ErrorKind  tunnel.ErrorKind              `json:"errorKind,omitempty"`
}

// errorMessage builds an `error` server message classifying msg the same way
// the Supervisor classifies instance/verifier failures, per spec §6's
// `{name, error, errorKind}` wire shape.
func errorMessage(name, msg string) serverMessage {
	return serverMessage{Type: "error", Name: name, Error: msg, ErrorKind: tunnel.Classify(msg)}
}

// Realtime upgrades the connection and bridges it to the Command Ingress:
// every client message is a connectToHost/closeTunnel/getTunnelStatus/
// diagnose command, and every status transition published on bus is pushed
// back as an individualTunnelStatus message, for as long as the socket
// stays open. Mirrors the PTY↔WebSocket bridging shape of the teacher's
// terminal handler, with a write mutex in place of its single-goroutine
// writer since here both the subscriber fan-out and the command-reply path
// write to the same connection.
func Realtime(ingress *tunnel.Ingress, bus *tunnel.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := realtimeUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("realtime: upgrade failed")
			return
		}
		defer conn.Close()

		var writeMu sync.Mutex
		writeJSON := func(msg serverMessage) {
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("realtime: write failed")
			}
		}

		writeJSON(serverMessage{Type: "tunnelStatus", Statuses: ingress.GetTunnelStatus()})

		updates, unsubscribe := bus.Subscribe()
		defer unsubscribe()

		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case upd, ok := <-updates:
					if !ok {
						return
					}
					status := upd.Status
					writeJSON(serverMessage{Type: "individualTunnelStatus", Name: upd.Name, Status: &status})
				case <-r.Context().Done():
					return
				case <-stop:
					return
				}
			}
		}()

		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debug().Err(err).Msg("realtime: read error")
				}
				break
			}
			handleClientMessage(ingress, msg, writeJSON)
		}

		close(stop)
		<-done
	}
}

func handleClientMessage(ingress *tunnel.Ingress, msg clientMessage, writeJSON func(serverMessage)) {
	switch msg.Type {
	case "connectToHost":
		if msg.Config == nil {
			writeJSON(errorMessage("", "connectToHost requires config"))
			return
		}
		if err := ingress.ConnectToHost(*msg.Config); err != nil {
			writeJSON(errorMessage(msg.Config.Name, err.Error()))
		}
	case "closeTunnel":
		if err := ingress.CloseTunnel(msg.Name); err != nil {
			writeJSON(errorMessage(msg.Name, err.Error()))
		}
	case "getTunnelStatus":
		writeJSON(serverMessage{Type: "tunnelStatus", Statuses: ingress.GetTunnelStatus()})
	case "diagnose":
		result, err := ingress.Diagnose(msg.Name)
		if err != nil {
			writeJSON(errorMessage(msg.Name, err.Error()))
			return
		}
		writeJSON(serverMessage{Type: "diagnosticResult", Name: msg.Name, Diagnostic: &result})
	default:
		writeJSON(errorMessage("", "unknown message type: "+msg.Type))
	}
}
