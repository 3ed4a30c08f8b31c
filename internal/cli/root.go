// Package cli provides the command-line interface for the portfolio copilot.
package cli

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"portfolio-copilot/internal/broker"
	"portfolio-copilot/internal/config"
	"portfolio-copilot/internal/gateway"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/portfolio"
	"portfolio-copilot/internal/security"
	"portfolio-copilot/internal/store"
	"portfolio-copilot/internal/stream"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-01-01"
)

// App holds the application dependencies. Collaborators are built on first
// use so that commands which need none of them stay offline.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	mu    sync.Mutex
	kite  *broker.KiteBroker
	paper *broker.PaperBroker
	store *store.SQLiteStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "copilot",
		Short: "Portfolio Copilot - live holdings valuation",
		Long: `Portfolio Copilot streams live ticks for your holdings and keeps a
running valuation: current value, live P&L and day change per holding and
for the whole portfolio.

Ticks come from the relay gateway ('copilot serve'), directly from the Kite
ticker, or from a simulated paper feed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/portfolio-copilot)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addAuthCommands(rootCmd, app)
	rootCmd.AddCommand(newHoldingsCmd(app))
	rootCmd.AddCommand(newWatchCmd(app))
	rootCmd.AddCommand(newServeCmd(app))

	return rootCmd
}

// Close releases the database handle if one was opened.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
}

// Kite returns the Kite broker, loading any saved session.
func (a *App) Kite() *broker.KiteBroker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.kite == nil {
		creds := a.Config.Credentials.Kite
		a.kite = broker.NewKiteBroker(broker.KiteConfig{
			APIKey:        creds.APIKey,
			APISecret:     creds.APISecret,
			UserID:        creds.UserID,
			TokenPath:     a.Config.SessionPath(),
			RetryAttempts: a.Config.Holdings.RetryAttempts,
		}, a.Logger)
		a.Logger.Debug().Str("api_key", security.MaskCredential(creds.APIKey)).Msg("Kite broker initialized")
	}
	return a.kite
}

// Paper returns the simulated broker over the demo portfolio.
func (a *App) Paper() *broker.PaperBroker {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.paper == nil {
		a.paper = broker.NewPaperBroker(nil)
	}
	return a.paper
}

// Store opens the holdings cache. A nil store means caching is off or the
// database could not be opened.
func (a *App) Store() *store.SQLiteStore {
	if !a.Config.Holdings.CacheEnabled {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		s, err := store.NewSQLiteStore(a.Config.DatabasePath())
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to open holdings cache, continuing without it")
			return nil
		}
		a.store = s
	}
	return a.store
}

// HoldingsSource returns the configured holdings collaborator.
func (a *App) HoldingsSource() portfolio.HoldingsSource {
	var src store.HoldingsSource
	switch a.Config.Holdings.Source {
	case config.SourceKite:
		src = a.Kite()
	case config.SourcePaper:
		src = a.Paper()
	default:
		src = gateway.NewHoldingsClient(a.Config.Holdings.GatewayURL, a.Config.Holdings.RetryAttempts, a.Logger)
	}

	if cache := a.Store(); cache != nil {
		return store.NewCachedSource(src, cache, a.Config.Holdings.Source, a.Logger)
	}
	return src
}

// Transport builds a fresh tick transport for one session.
func (a *App) Transport() (stream.Transport, error) {
	switch a.Config.Stream.Source {
	case config.SourceKite:
		return a.kiteTransport()
	case config.SourcePaper:
		return broker.NewPaperTransport(a.Paper().BasePrices(), a.Config.Stream.PaperInterval, time.Now().UnixNano()), nil
	default:
		return stream.NewWebSocketTransport(a.Config.Stream.URL, a.Config.Stream.HandshakeTimeout, http.Header{}), nil
	}
}

func (a *App) kiteTransport() (stream.Transport, error) {
	apiKey, token := a.Kite().Credentials()
	if apiKey == "" {
		return nil, fmt.Errorf("kite api_key is not set in %s/credentials.toml", a.Config.Dir)
	}
	if token == "" {
		return nil, fmt.Errorf("no access token, run 'copilot login' first")
	}
	return broker.NewKiteTransport(broker.KiteTransportConfig{
		APIKey:         apiKey,
		AccessToken:    token,
		ConnectTimeout: a.Config.Stream.HandshakeTimeout,
	}, a.Logger), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Portfolio Copilot v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(maskedConfig(app.Config))
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.Config.Dir})
			} else {
				output.Println(app.Config.Dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Stream")
	output.Printf("  Source:          %s\n", cfg.Stream.Source)
	output.Printf("  URL:             %s\n", cfg.Stream.URL)
	output.Printf("  Mode:            %s\n", cfg.StreamMode())
	output.Printf("  Handshake:       %s\n", cfg.Stream.HandshakeTimeout)
	output.Printf("  Event Log Size:  %d\n", cfg.Stream.EventLogSize)
	output.Println()

	output.Bold("Holdings")
	output.Printf("  Source:          %s\n", cfg.Holdings.Source)
	output.Printf("  Gateway URL:     %s\n", cfg.Holdings.GatewayURL)
	output.Printf("  Retry Attempts:  %d\n", cfg.Holdings.RetryAttempts)
	output.Printf("  Cache:           %v\n", cfg.Holdings.CacheEnabled)
	output.Println()

	output.Bold("Gateway")
	output.Printf("  Listen:          %s\n", cfg.Gateway.Addr)
	output.Printf("  Origins:         %s\n", joinOrNone(cfg.Gateway.AllowedOrigins))
	output.Printf("  Redirect URL:    %s\n", cfg.Gateway.RedirectURL)
	output.Println()

	output.Bold("Credentials")
	output.Printf("  Kite API Key:    %s\n", security.MaskCredential(cfg.Credentials.Kite.APIKey))
	output.Printf("  Kite Secret:     %s\n", security.MaskCredential(cfg.Credentials.Kite.APISecret))
	output.Printf("  User ID:         %s\n", cfg.Credentials.Kite.UserID)
}

// maskedConfig returns a copy of cfg safe to print.
func maskedConfig(cfg *config.Config) config.Config {
	c := *cfg
	c.Credentials.Kite.APIKey = security.MaskCredential(c.Credentials.Kite.APIKey)
	c.Credentials.Kite.APISecret = security.MaskCredential(c.Credentials.Kite.APISecret)
	return c
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
