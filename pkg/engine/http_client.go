package engine

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/defenderpro/engine-orchestrator/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
	HeaderRetryAfter    = "Retry-After"

	ContentTypeJSON = "application/json"

	maxErrorBody = 4096
)

// APIClient wraps an HTTP client with authentication, client-side rate
// limiting and retry of idempotent calls
type APIClient struct {
	httpClient *http.Client
	logger     *logrus.Logger
	token      string
	maxRetries int
	limiter    *rate.Limiter

	// initialInterval seeds the exponential retry schedule
	initialInterval time.Duration
}

// NewAPIClient creates a new API client
func NewAPIClient(token string, verifyTLS bool, rps float64, burst, maxRetries int, logger *logrus.Logger) *APIClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		InsecureSkipVerify: !verifyTLS,
	}

	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	return &APIClient{
		httpClient:      &http.Client{Transport: transport},
		logger:          logger,
		token:           token,
		maxRetries:      maxRetries,
		limiter:         rate.NewLimiter(limit, burst),
		initialInterval: 500 * time.Millisecond,
	}
}

// do sends a JSON request and decodes a JSON response into out. Only
// idempotent calls pass retry=true; mutating calls are sent exactly once.
func (c *APIClient) do(ctx context.Context, method, url string, body, out interface{}, retry bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := 0
	var permanent error

	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			permanent = err
			return nil
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			permanent = fmt.Errorf("failed to create request: %w", err)
			return nil
		}

		if c.token != "" {
			req.Header.Set(HeaderAuthorization, "Bearer "+c.token)
		}
		if payload != nil {
			req.Header.Set(HeaderContentType, ContentTypeJSON)
		}

		c.logger.WithFields(logrus.Fields{
			"method":  method,
			"url":     url,
			"attempt": attempt,
		}).Debug("Sending engine API request")

		startTime := time.Now()
		resp, err := c.httpClient.Do(req)
		duration := time.Since(startTime).Seconds()

		if err != nil {
			metrics.RecordEngineAPIError("network_error", 0)
			if ctx.Err() != nil {
				permanent = err
				return nil
			}
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		metrics.RecordEngineCall("http", getEndpointName(url), strconv.Itoa(resp.StatusCode), duration)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || resp.StatusCode == http.StatusNoContent {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				permanent = fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		apiErr := NewAPIError(resp.StatusCode, readErrorMessage(resp.Body))
		if !apiErr.Retriable {
			metrics.RecordEngineAPIError("client_error", resp.StatusCode)
			permanent = apiErr
			return nil
		}

		metrics.RecordEngineAPIError("retriable_status", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			retryAfter := getRetryAfter(resp)
			c.logger.WithField("retry_after", retryAfter).Warn("Rate limited by engine API")
			select {
			case <-time.After(retryAfter):
			case <-ctx.Done():
				permanent = ctx.Err()
				return nil
			}
		}
		return apiErr
	}

	retries := 0
	if retry {
		retries = c.maxRetries
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.initialInterval
	expBackoff.MaxInterval = 10 * c.initialInterval
	expBackoff.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(retries)), ctx)

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"url":     url,
			"backoff": wait,
			"error":   err.Error(),
		}).Debug("Retrying engine API request")
	})
	if permanent != nil {
		return permanent
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readErrorMessage extracts {"error": "..."} or falls back to the raw body
func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(data))
}

// isRetriableStatusCode returns true for HTTP status codes that should be retried
func isRetriableStatusCode(code int) bool {
	switch code {
	case http.StatusTooManyRequests, // 429
		http.StatusInternalServerError, // 500
		http.StatusBadGateway,          // 502
		http.StatusServiceUnavailable,  // 503
		http.StatusGatewayTimeout:      // 504
		return true
	default:
		return false
	}
}

// getRetryAfter extracts the Retry-After header value
func getRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get(HeaderRetryAfter)
	if retryAfter == "" {
		return time.Second
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Second
}

// getEndpointName extracts a simplified endpoint name from URL for metrics
func getEndpointName(url string) string {
	switch {
	case strings.Contains(url, "/scans/running"):
		return "scan_running"
	case strings.Contains(url, "/scans/cancel"):
		return "scan_cancel"
	case strings.Contains(url, "/scans/summary"):
		return "scan_summary"
	case strings.Contains(url, "/scans/history"):
		return "scan_history"
	case strings.Contains(url, "/scans"):
		return "scan_start"
	case strings.Contains(url, "/actions"):
		return "threat_action"
	case strings.Contains(url, "/threats/clear"):
		return "threat_clear"
	case strings.Contains(url, "/threats"):
		return "threat_list"
	case strings.Contains(url, "/definitions"):
		return "definitions_update"
	case strings.Contains(url, "/status"):
		return "status"
	default:
		return "unknown"
	}
}
