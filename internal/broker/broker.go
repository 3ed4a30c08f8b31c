// Package broker provides the Kite Connect integration: login, holdings and
// the live ticker as a stream transport.
package broker

import (
	"context"

	"portfolio-copilot/internal/models"
)

// Authenticator performs the brokerage login flow.
type Authenticator interface {
	LoginURL() string
	CompleteLogin(ctx context.Context, requestToken string) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool
	// UserID returns the logged-in client id, empty when unknown.
	UserID() string
}

// HoldingsProvider returns delivery holdings.
type HoldingsProvider interface {
	Holdings(ctx context.Context) ([]models.Holding, error)
}

// Broker is the full brokerage surface used by the copilot.
type Broker interface {
	Authenticator
	HoldingsProvider
	// Credentials returns the API key and access token for the ticker.
	Credentials() (apiKey, accessToken string)
}
