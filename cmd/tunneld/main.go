// Command tunneld runs the Tunnel Supervisor: it serves the realtime
// Command Ingress over HTTP/WebSocket, and doubles as a CLI for inspecting
// a running instance's tunnel status from the same binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tunnelkeeper/tunneld/internal/config"
	"github.com/tunnelkeeper/tunneld/internal/schedule"
	"github.com/tunnelkeeper/tunneld/internal/server"
	"github.com/tunnelkeeper/tunneld/internal/tunnel"
)

var (
	successColor = color.New(color.FgGreen).SprintFunc()
	errorColor   = color.New(color.FgRed).SprintFunc()
	warnColor    = color.New(color.FgYellow).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "tunneld",
	Short: "Tunnel Supervisor: managed SSH reverse port-forwards",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Supervisor and its realtime Command Ingress",
	RunE:  runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(errorColor(err))
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg)

	store := tunnel.NewMemoryStore()
	bus := tunnel.NewBroadcaster()

	sched := schedule.New(cfg.RedisAddr)
	sup := tunnel.NewSupervisor(store, bus, tunnel.WithScheduler(sched))
	sched.Start(sup.DispatchTimer)
	defer sched.Shutdown()

	ingress := tunnel.NewIngress(sup, store, cfg.IngressRatePerSecond, cfg.IngressBurst,
		tunnel.WithDefaultRetryPolicy(cfg.DefaultMaxRetries, cfg.DefaultRetryIntervalMs),
		tunnel.WithDefaultRefreshInterval(cfg.DefaultRefreshIntervalMs),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scanner := tunnel.NewLivenessScanner(sup)
	go scanner.Run(ctx)

	srv := server.New(cfg, ingress, bus)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		errCh <- srv.Start(addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-sigCh:
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serveShutdownGrace)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}

// printStatusTable renders a status snapshot the way the reference CLI
// idiom in this codebase's sibling tools does: fatih/color for the
// phase label, olekukonko/tablewriter for the layout.
func printStatusTable(statuses map[string]tunnel.StatusRecord) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Status", "Retries", "Next Retry", "Reason"})

	for name, st := range statuses {
		label := string(st.Status)
		switch st.Status {
		case tunnel.PhaseConnected:
			label = successColor(label)
		case tunnel.PhaseFailed:
			label = errorColor(label)
		case tunnel.PhaseRetrying, tunnel.PhaseUnstable:
			label = warnColor(label)
		}
		retries := ""
		if st.MaxRetries > 0 {
			retries = fmt.Sprintf("%d/%d", st.RetryCount, st.MaxRetries)
		}
		next := ""
		if st.NextRetryIn > 0 {
			next = fmt.Sprintf("%ds", st.NextRetryIn)
		}
		table.Append([]string{name, label, retries, next, st.Reason})
	}

	table.Render()
}
