package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// HTTPClient talks to the catalog service over HTTP. Each lookup is bounded by
// the client timeout and retried a fixed number of times on transport or 5xx
// failures. 404 is terminal and maps to ErrProductNotFound. A circuit breaker
// sits in front of the retries so a dead catalog fails fast instead of making
// every cart mutation wait out the full retry schedule.
type HTTPClient struct {
	baseURL    string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker[*ProductInfo]
	retries    int
	retryDelay time.Duration
	log        *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, retries int, retryDelay time.Duration, log *zap.Logger) *HTTPClient {
	breaker := gobreaker.NewCircuitBreaker[*ProductInfo](gobreaker.Settings{
		Name: "catalog",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A 404 is a valid answer from a healthy catalog, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrProductNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("catalog circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &HTTPClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker:    breaker,
		retries:    retries,
		retryDelay: retryDelay,
		log:        log,
	}
}

func (c *HTTPClient) GetProductInfo(ctx context.Context, productID int64, variantID string) (*ProductInfo, error) {
	endpoint := fmt.Sprintf("%s/api/v1/products/%d", c.baseURL, productID)
	if variantID != "" {
		endpoint += "?variant_id=" + url.QueryEscape(variantID)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("catalog lookup aborted: %w", ctx.Err())
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		info, err := c.breaker.Execute(func() (*ProductInfo, error) {
			return c.fetch(ctx, endpoint)
		})
		if err == nil {
			return info, nil
		}
		if errors.Is(err, ErrProductNotFound) {
			return nil, err
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("catalog circuit open: %w", ErrUnavailable)
		}

		lastErr = err
		c.log.Warn("catalog lookup failed, retrying",
			zap.Int64("product_id", productID),
			zap.String("variant_id", variantID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, fmt.Errorf("catalog lookup failed after %d attempts: %w (%v)", c.retries+1, ErrUnavailable, lastErr)
}

func (c *HTTPClient) fetch(ctx context.Context, endpoint string) (*ProductInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrProductNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var info ProductInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}

	return &info, nil
}
