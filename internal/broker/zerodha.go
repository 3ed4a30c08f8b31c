package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/pkg/utils"
)

// KiteBroker implements Broker for Zerodha Kite Connect.
type KiteBroker struct {
	client        *kiteconnect.Client
	apiKey        string
	apiSecret     string
	userID        string
	accessToken   string
	tokenPath     string
	authenticated bool
	retry         utils.RetryConfig
	logger        zerolog.Logger
	now           func() time.Time
	mu            sync.RWMutex
}

// KiteConfig holds configuration for the Kite broker.
type KiteConfig struct {
	APIKey        string
	APISecret     string
	UserID        string
	TokenPath     string
	RetryAttempts int
	// BaseURI overrides the Kite REST endpoint.
	BaseURI string
}

// NewKiteBroker creates a Kite broker. A saved, unexpired session is loaded
// from TokenPath.
func NewKiteBroker(cfg KiteConfig, logger zerolog.Logger) *KiteBroker {
	client := kiteconnect.New(cfg.APIKey)
	if cfg.BaseURI != "" {
		client.SetBaseURI(cfg.BaseURI)
	}

	retry := utils.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	retry.Retryable = isRetryable

	kb := &KiteBroker{
		client:    client,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		userID:    cfg.UserID,
		tokenPath: cfg.TokenPath,
		retry:     retry,
		logger:    logging.WithComponent(logger, "kite"),
		now:       time.Now,
	}

	if err := kb.loadSession(); err != nil && !os.IsNotExist(err) {
		kb.logger.Debug().Err(err).Msg("No usable saved session")
	}

	return kb
}

// sessionData represents persisted session data.
type sessionData struct {
	AccessToken string    `json:"access_token"`
	UserID      string    `json:"user_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LoginURL returns the Kite login page URL for this API key.
func (k *KiteBroker) LoginURL() string {
	return k.client.GetLoginURL()
}

// CompleteLogin exchanges the request token from the login redirect for an
// access token and persists it.
func (k *KiteBroker) CompleteLogin(ctx context.Context, requestToken string) error {
	if requestToken == "" {
		return apperrors.NewValidationError("request_token", "", "must not be empty")
	}
	if k.apiSecret == "" {
		return fmt.Errorf("%w: kite api_secret is not set", apperrors.ErrConfigInvalid)
	}

	start := time.Now()
	session, err := k.client.GenerateSession(requestToken, k.apiSecret)
	logging.LogAPICall(k.logger, "POST", "/session/token", time.Since(start), err)
	if err != nil {
		return apperrors.NewBrokerError("session", "failed to generate session", err)
	}

	k.mu.Lock()
	k.accessToken = session.AccessToken
	if session.UserID != "" {
		k.userID = session.UserID
	}
	k.authenticated = true
	k.client.SetAccessToken(session.AccessToken)
	k.mu.Unlock()

	if err := k.saveSession(session.AccessToken); err != nil {
		// Session is valid for this process even if it cannot be saved.
		k.logger.Warn().Err(err).Msg("Failed to persist session")
	}

	k.logger.Info().Str("user", k.userID).Msg("Logged in")
	return nil
}

// Logout invalidates the session and removes the saved token.
func (k *KiteBroker) Logout(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.authenticated {
		if _, err := k.client.InvalidateAccessToken(); err != nil {
			k.logger.Warn().Err(err).Msg("Failed to invalidate token")
		}
	}

	k.accessToken = ""
	k.authenticated = false

	if k.tokenPath == "" {
		return nil
	}
	if err := os.Remove(k.tokenPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether an access token is held.
func (k *KiteBroker) IsAuthenticated() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.authenticated
}

// UserID returns the Kite client id of the session.
func (k *KiteBroker) UserID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.userID
}

// Credentials returns the API key and current access token.
func (k *KiteBroker) Credentials() (string, string) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.apiKey, k.accessToken
}

// Holdings fetches delivery holdings, retrying transient failures.
func (k *KiteBroker) Holdings(ctx context.Context) ([]models.Holding, error) {
	if !k.IsAuthenticated() {
		return nil, apperrors.ErrNotAuthenticated
	}

	holdings, err := utils.RetryWithResult(ctx, k.retry, func() (kiteconnect.Holdings, error) {
		start := time.Now()
		h, err := k.client.GetHoldings()
		logging.LogAPICall(k.logger, "GET", "/portfolio/holdings", time.Since(start), err)
		return h, err
	})
	if err != nil {
		if isTokenError(err) {
			k.mu.Lock()
			k.authenticated = false
			k.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", apperrors.ErrSessionExpired, err)
		}
		return nil, apperrors.NewBrokerError("holdings", "failed to get holdings", err)
	}

	return convertHoldings(holdings), nil
}

func (k *KiteBroker) loadSession() error {
	if k.tokenPath == "" {
		return os.ErrNotExist
	}
	data, err := os.ReadFile(k.tokenPath)
	if err != nil {
		return err
	}

	var session sessionData
	if err := json.Unmarshal(data, &session); err != nil {
		return err
	}

	if !k.now().Before(session.ExpiresAt) {
		return apperrors.ErrSessionExpired
	}

	k.mu.Lock()
	k.accessToken = session.AccessToken
	if session.UserID != "" {
		k.userID = session.UserID
	}
	k.authenticated = true
	k.client.SetAccessToken(session.AccessToken)
	k.mu.Unlock()

	return nil
}

func (k *KiteBroker) saveSession(accessToken string) error {
	if k.tokenPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(k.tokenPath), 0700); err != nil {
		return err
	}

	k.mu.RLock()
	userID := k.userID
	k.mu.RUnlock()

	data, err := json.Marshal(sessionData{
		AccessToken: accessToken,
		UserID:      userID,
		ExpiresAt:   utils.NextTokenExpiry(k.now()),
	})
	if err != nil {
		return err
	}

	// Write with restricted permissions
	return os.WriteFile(k.tokenPath, data, 0600)
}

func isTokenError(err error) bool {
	var kerr kiteconnect.Error
	return errors.As(err, &kerr) && kerr.ErrorType == kiteconnect.TokenError
}

// isRetryable retries everything except authentication and input errors.
func isRetryable(err error) bool {
	var kerr kiteconnect.Error
	if !errors.As(err, &kerr) {
		return true
	}
	switch kerr.ErrorType {
	case kiteconnect.TokenError, kiteconnect.InputError, kiteconnect.PermissionError, kiteconnect.UserError:
		return false
	default:
		return true
	}
}

var _ Broker = (*KiteBroker)(nil)
