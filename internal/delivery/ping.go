package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/watzon/hookrelay/internal/routing"
)

// ErrNoPingURL is returned when a destination has neither a ping nor a
// delivery URL.
var ErrNoPingURL = errors.New("destination has no url to ping")

// PingResult reports a destination health check.
type PingResult struct {
	URL       string `json:"url"`
	Status    int    `json:"status,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Ping issues a GET to the destination's ping URL, falling back to its
// delivery URL. Network failures are reported in the result, not as errors.
func (d *Dispatcher) Ping(ctx context.Context, wh *routing.Webhook, dest *routing.Destination) (PingResult, error) {
	url := dest.Ping
	if url == "" {
		url = dest.URL
	}
	if url == "" {
		return PingResult{}, ErrNoPingURL
	}

	timeout := d.Timeout(wh, dest, "")
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PingResult{}, fmt.Errorf("creating ping request: %w", err)
	}
	if d.config.UserAgent != "" {
		req.Header.Set("User-Agent", d.config.UserAgent)
	}

	result := PingResult{URL: url}
	start := d.now()
	resp, err := d.httpClient.Do(req)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			result.Error = fmt.Sprintf("timed out after %s", timeout)
		} else {
			result.Error = networkReason(err)
		}
		return result, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	result.Status = resp.StatusCode
	result.OK = resp.StatusCode < 400
	return result, nil
}
