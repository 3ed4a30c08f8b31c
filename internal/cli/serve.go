package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"portfolio-copilot/internal/broker"
	"portfolio-copilot/internal/config"
	"portfolio-copilot/internal/gateway"
	"portfolio-copilot/internal/stream"
)

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay gateway",
		Long: `Run the relay gateway for browser and CLI clients.

The gateway serves the Kite login flow and holdings over HTTP and relays ticks
on /ws/stream. Every websocket client gets its own upstream session: the Kite
ticker, or the simulated feed when stream.source is "paper".`,
		Example: `  copilot serve
  copilot serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			cfg := gateway.Config{
				Addr:           app.Config.Gateway.Addr,
				AllowedOrigins: app.Config.Gateway.AllowedOrigins,
				MaxMessageSize: app.Config.Gateway.MaxMessageSize,
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}

			b, upstream := app.relayBackend()
			srv := gateway.NewServer(b, upstream, cfg, app.Logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !output.IsJSON() {
				output.Success("✓ Gateway listening on %s", cfg.Addr)
				output.Dim("Press Ctrl+C to stop")
			}
			if err := srv.Run(ctx); err != nil {
				output.Error("Gateway stopped: %v", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().String("addr", "", "listen address (default from config)")

	return cmd
}

// relayBackend picks the broker and upstream the gateway serves. The
// gateway source would relay to itself, so it is served from Kite.
func (a *App) relayBackend() (broker.Broker, gateway.UpstreamFactory) {
	var b broker.Broker = a.Kite()
	if a.Config.Holdings.Source == config.SourcePaper {
		b = a.Paper()
	}

	if a.Config.Stream.Source == config.SourcePaper {
		paper := a.Paper()
		interval := a.Config.Stream.PaperInterval
		return b, func() (stream.Transport, error) {
			return broker.NewPaperTransport(paper.BasePrices(), interval, time.Now().UnixNano()), nil
		}
	}
	return b, a.kiteTransport
}
