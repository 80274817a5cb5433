// Package nettime queries best-effort HTTP time APIs to cross-check the
// local clock. Sources are tried in sequence with a bounded per-source
// timeout; unavailability degrades the network layer, it never blocks or
// aborts validation.
package nettime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"posguard/internal/config"
	"posguard/internal/shared/clock"
	"posguard/pkg/contracts/domain"
)

// ErrNetworkUnavailable reports that every configured time source was
// unreachable or unparsable.
var ErrNetworkUnavailable = errors.New("nettime: no time source reachable")

// timeResponse covers the response shapes of the supported public time
// APIs (worldtimeapi unixtime/utc_datetime, timeapi.io dateTime).
type timeResponse struct {
	UnixTime    int64  `json:"unixtime"`
	UTCDateTime string `json:"utc_datetime"`
	DateTime    string `json:"dateTime"`
}

// Client fetches network time and produces the network-layer result.
type Client struct {
	httpClient *http.Client
	clk        clock.Clock
	cfg        config.NetworkConfig
	logger     *slog.Logger
}

// New returns a network time client. A nil httpClient uses a default
// client bounded by the configured timeout.
func New(httpClient *http.Client, clk clock.Clock, cfg config.NetworkConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{httpClient: httpClient, clk: clk, cfg: cfg, logger: logger}
}

// Fetch returns the first network time obtained from the configured
// sources, or ErrNetworkUnavailable when all fail.
func (c *Client) Fetch(ctx context.Context) (time.Time, error) {
	var lastErr error
	for _, source := range c.cfg.TimeSources {
		t, err := c.fetchOne(ctx, source)
		if err == nil {
			return t, nil
		}
		lastErr = err
		c.logger.DebugContext(ctx, "time source failed",
			slog.String("source", source),
			slog.String("error", err.Error()),
		)
	}
	if lastErr != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNetworkUnavailable, lastErr)
	}
	return time.Time{}, ErrNetworkUnavailable
}

// Check cross-checks the local clock against network time and returns the
// network-layer result. Unreachable sources yield a degraded-but-valid
// result flagged reachable=false so the orchestrator can reduce (not
// eliminate) the layer's weight.
func (c *Client) Check(ctx context.Context) *domain.LayerResult {
	result := domain.NewLayerResult(domain.LayerNetwork)

	remote, err := c.Fetch(ctx)
	if err != nil {
		result.Detail("reachable", false)
		result.Warn("no network time source reachable", 50)
		return result
	}
	result.Detail("reachable", true)

	skew := c.clk.Now().Sub(remote)
	if skew < 0 {
		skew = -skew
	}
	result.Detail("skew", skew.String())
	if skew > c.cfg.MaxSkew {
		result.Fail(fmt.Sprintf("local clock skewed %s from network time", skew))
	}
	return result
}

func (c *Client) fetchOne(ctx context.Context, source string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return time.Time{}, err
	}

	var parsed timeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return time.Time{}, err
	}

	switch {
	case parsed.UnixTime > 0:
		return time.Unix(parsed.UnixTime, 0).UTC(), nil
	case parsed.UTCDateTime != "":
		return time.Parse(time.RFC3339, parsed.UTCDateTime)
	case parsed.DateTime != "":
		return time.Parse("2006-01-02T15:04:05", parsed.DateTime)
	default:
		return time.Time{}, errors.New("no recognizable time field in response")
	}
}
