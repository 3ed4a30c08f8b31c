package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Portfolio Copilot Configuration

[stream]
# Where live ticks come from: "gateway" (relay websocket), "kite" (direct Kite ticker)
# or "paper" (simulated feed over the demo portfolio)
source = "gateway"
# Relay websocket endpoint (used when source = "gateway")
url = "ws://localhost:8000/ws/stream"
# Subscription mode: ltp, quote, full
mode = "full"
# Maximum time to wait for the websocket handshake
handshake_timeout = "10s"
# Number of raw inbound frames kept for display
event_log_size = 50
# Tick period of the simulated feed (source = "paper")
paper_interval = "1s"

[holdings]
# Where holdings come from: "gateway" (relay REST), "kite" (Kite Connect REST) or "paper"
source = "gateway"
gateway_url = "http://localhost:8000"
# Attempts for a holdings fetch before giving up
retry_attempts = 3
# Keep the last successful holdings snapshot for offline start
cache_enabled = true

[gateway]
# Listen address for 'copilot serve'
addr = ":8000"
allowed_origins = ["http://localhost:5173"]
redirect_url = "http://localhost:5173/auth/kite/callback"
# Largest accepted client frame in bytes
max_message_size = 524288

[log]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

const credentialsTemplate = `# Portfolio Copilot Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[kite]
api_key = ""
api_secret = ""
user_id = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}
	return nil
}
