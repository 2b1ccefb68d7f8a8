// Package ocr talks to the HTTP challenge decoding engine.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
	"github.com/xkilldash9x/termin-cli/internal/network"
)

const maxResponseBytes = 64 << 10

// response is the engine's reply. Confidence is optional.
type response struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Client implements schemas.Decoder by POSTing the raw image bytes to the
// engine and reading back {"text": "..."}.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewClient builds a Client for cfg.Endpoint.
func NewClient(cfg config.OCRConfig, logger *zap.Logger) *Client {
	httpCfg := network.NewDefaultClientConfig()
	httpCfg.RequestTimeout = cfg.Timeout
	httpCfg.ForceHTTP2 = false
	httpCfg.Logger = logger

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     network.NewClient(httpCfg),
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.Named("ocr"),
	}
}

var _ schemas.Decoder = (*Client)(nil)

// Decode returns the engine's raw text for img. Connection failures and 503
// responses wrap schemas.ErrEngineUnavailable.
func (c *Client) Decode(ctx context.Context, img []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(img))
	if err != nil {
		return "", fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return "", fmt.Errorf("%w: %v", schemas.ErrEngineUnavailable, err)
		}
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read ocr response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable:
		return "", fmt.Errorf("%w: status %d", schemas.ErrEngineUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("ocr engine returned status %d", resp.StatusCode)
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode ocr response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ocr engine: %s", out.Error)
	}
	c.logger.Debug("OCR result", zap.String("text", out.Text), zap.Float64("confidence", out.Confidence))
	return out.Text, nil
}
