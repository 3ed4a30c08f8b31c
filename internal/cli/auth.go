package cli

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/pkg/utils"
)

// addAuthCommands adds authentication commands.
func addAuthCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newLoginCmd(app))
	rootCmd.AddCommand(newLogoutCmd(app))
	rootCmd.AddCommand(newAuthStatusCmd(app))
}

func newLoginCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to Zerodha Kite Connect",
		Long: `Login to Zerodha Kite Connect.

Opens the Kite login page in a browser. After logging in, paste the
request_token from the redirect URL. The access token is saved to the config
directory and reused by 'watch', 'holdings' and 'serve' until it expires at
06:00 IST.`,
		Example: `  copilot login
  copilot login --token=<request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			if app.Config.Credentials.Kite.APIKey == "" {
				output.Error("Kite api_key not configured. Please check %s/credentials.toml", app.Config.Dir)
				return fmt.Errorf("%w: kite api_key is not set", apperrors.ErrConfigInvalid)
			}

			kb := app.Kite()
			token, _ := cmd.Flags().GetString("token")
			if token == "" && kb.IsAuthenticated() {
				output.Success("✓ Already logged in")
				showSession(output, kb.UserID())
				return nil
			}

			if token == "" {
				loginURL := kb.LoginURL()
				output.Info("Opening Kite login page...")
				output.Println()
				output.Bold("Login URL:")
				output.Println(loginURL)
				output.Println()

				if err := openURL(loginURL); err != nil {
					output.Warning("Could not open browser automatically")
				}

				output.Info("After logging in, you'll be redirected to a URL like:")
				output.Dim("  %s?request_token=XXXXXX&status=success", app.Config.Gateway.RedirectURL)
				output.Println()
				output.Bold("Paste the request_token value here:")

				reader := bufio.NewReader(cmd.InOrStdin())
				output.Printf("> ")
				input, _ := reader.ReadString('\n')
				token = strings.TrimSpace(input)
				if token == "" {
					output.Error("No token provided")
					return apperrors.NewValidationError("request_token", "", "must not be empty")
				}
			}

			output.Info("Completing login with token...")
			if err := kb.CompleteLogin(ctx, token); err != nil {
				output.Error("Login failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"success":    true,
					"user_id":    kb.UserID(),
					"expires_at": utils.NextTokenExpiry(time.Now()).Format(time.RFC3339),
				})
			}
			output.Success("✓ Login successful!")
			showSession(output, kb.UserID())
			return nil
		},
	}

	cmd.Flags().String("token", "", "Request token from redirect URL")

	return cmd
}

// showSession displays the session owner and expiry.
func showSession(output *Output, userID string) {
	now := time.Now()
	expiry := utils.NextTokenExpiry(now)

	output.Println()
	output.Bold("Session")
	if userID != "" {
		output.Printf("  User ID:    %s\n", userID)
	}
	output.Printf("  Expires:    %s (%s remaining)\n",
		expiry.Format("02 Jan 2006, 03:04 PM"),
		FormatDuration(expiry.Sub(now)))
	output.Printf("  Market:     %s\n", output.MarketStatus(utils.PhaseAt(now)))
}

func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}

func newLogoutCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout from Zerodha Kite Connect",
		Long: `Invalidate the current session and remove the saved access token.

Live streams started with the kite source stop working until you login again.`,
		Example: `  copilot logout`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			kb := app.Kite()
			if !kb.IsAuthenticated() {
				output.Warning("Not currently logged in.")
				return nil
			}

			output.Info("Logging out...")
			if err := kb.Logout(ctx); err != nil {
				output.Error("Logout failed: %v", err)
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"success":   true,
					"message":   "Logout successful",
					"timestamp": time.Now().Format(time.RFC3339),
				})
			}

			output.Success("✓ Logged out successfully!")
			output.Dim("Session token has been cleared.")
			return nil
		},
	}
}

func newAuthStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check authentication status",
		Long:  "Display current authentication status and session expiry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			kb := app.Kite()

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"authenticated": kb.IsAuthenticated(),
					"user_id":       kb.UserID(),
					"market":        utils.PhaseAt(time.Now()),
				})
			}

			if !kb.IsAuthenticated() {
				output.Warning("Not authenticated")
				output.Println()
				output.Info("Run 'copilot login' to authenticate")
				return nil
			}

			output.Success("✓ Authenticated")
			showSession(output, kb.UserID())
			return nil
		},
	}
}
