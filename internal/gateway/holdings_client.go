package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/logging"
	"portfolio-copilot/internal/models"
	"portfolio-copilot/pkg/utils"
)

const holdingsPath = "/api/portfolio/holdings"

// HoldingsClient reads holdings from a relay's REST endpoint.
type HoldingsClient struct {
	baseURL string
	http    *http.Client
	retry   utils.RetryConfig
	logger  zerolog.Logger
}

// NewHoldingsClient creates a client for the relay at baseURL.
func NewHoldingsClient(baseURL string, attempts int, logger zerolog.Logger) *HoldingsClient {
	retry := utils.DefaultRetryConfig()
	if attempts > 0 {
		retry.MaxAttempts = attempts
	}
	retry.Retryable = func(err error) bool {
		return !apperrors.Is(err, apperrors.ErrNotAuthenticated)
	}
	return &HoldingsClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		retry:   retry,
		logger:  logging.WithComponent(logger, "holdings-client"),
	}
}

// Holdings fetches the relay's current holdings.
func (c *HoldingsClient) Holdings(ctx context.Context) ([]models.Holding, error) {
	return utils.RetryWithResult(ctx, c.retry, func() ([]models.Holding, error) {
		start := time.Now()
		h, err := c.fetch(ctx)
		logging.LogAPICall(c.logger, http.MethodGet, holdingsPath, time.Since(start), err)
		return h, err
	})
}

func (c *HoldingsClient) fetch(ctx context.Context) ([]models.Holding, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+holdingsPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError("get", c.baseURL+holdingsPath, fmt.Errorf("%w: %v", apperrors.ErrConnectionFailed, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading holdings response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotAuthenticated, detail(body))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.NewBrokerError(fmt.Sprintf("http_%d", resp.StatusCode), detail(body), nil)
	}

	var holdings []models.Holding
	if err := json.Unmarshal(body, &holdings); err != nil {
		return nil, apperrors.NewDataError("holdings", c.baseURL, "malformed response", err)
	}
	return holdings, nil
}

func detail(body []byte) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &e) == nil && e.Detail != "" {
		return e.Detail
	}
	return strings.TrimSpace(string(body))
}
