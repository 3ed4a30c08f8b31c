// Package store provides persistence for the last known holdings snapshot.
package store

import (
	"context"
	"time"

	"portfolio-copilot/internal/models"
)

// HoldingsCache persists the most recent successful holdings fetch.
type HoldingsCache interface {
	// SaveHoldings replaces the cached snapshot.
	SaveHoldings(ctx context.Context, source string, holdings []models.Holding, at time.Time) error
	// LoadHoldings returns the cached snapshot and when it was taken.
	// ErrDataNotFound is returned when nothing has been cached for source.
	LoadHoldings(ctx context.Context, source string) ([]models.Holding, time.Time, error)

	Close() error
}
