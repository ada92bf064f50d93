// Package geocode resolves free-form addresses to coordinates through a
// Nominatim compatible search endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/maypok86/otter/v2"

	"crowdease/internal/config"
	"crowdease/internal/model"
)

const defaultConfidence = 0.5

// Result is a geocoded address.
type Result struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	DisplayName string  `json:"displayName"`
	Confidence  float64 `json:"confidence"`
}

// HTTPClient interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	baseURL      string
	userAgent    string
	countryCodes string
	timeout      time.Duration
	attempts     uint
	retryDelay   time.Duration
	httpClient   HTTPClient
	cache        *otter.Cache[string, Result]
	logger       *slog.Logger
}

// NewClient builds a geocoder from cfg. A nil httpClient uses http.DefaultClient.
func NewClient(cfg config.GeocodeConfig, httpClient HTTPClient, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 10_000
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	attempts := cfg.Attempts
	if attempts == 0 {
		attempts = 3
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		userAgent:    cfg.UserAgent,
		countryCodes: cfg.CountryCodes,
		timeout:      cfg.Timeout,
		attempts:     attempts,
		retryDelay:   500 * time.Millisecond,
		httpClient:   httpClient,
		cache: otter.Must(&otter.Options[string, Result]{
			MaximumSize:      size,
			ExpiryCalculator: otter.ExpiryWriting[string, Result](ttl),
		}),
		logger: logger.With("component", "geocode"),
	}
}

func cacheKey(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

// Geocode returns the best match for address. It fails with a validation
// error for an empty address, model.ErrNotFound when nothing matches and
// model.ErrUnavailable when the upstream service cannot be reached.
func (c *Client) Geocode(ctx context.Context, address string) (Result, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Result{}, &model.ValidationError{
			Category: model.CategoryMissingFields,
			Field:    "address",
			Message:  "address is required",
		}
	}
	key := cacheKey(address)
	if res, ok := c.cache.GetIfPresent(key); ok {
		c.logger.Debug("geocode cache hit", "address", address)
		return res, nil
	}

	var (
		res     Result
		lastErr error
	)
	err := retry.Do(
		func() error {
			var err error
			res, err = c.search(ctx, address)
			if err != nil {
				lastErr = err
				if errors.Is(err, model.ErrNotFound) || errors.Is(err, errClient) {
					return retry.Unrecoverable(err)
				}
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(5*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying geocode request", "attempt", n+1, "address", address, "error", err)
		}),
	)
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if errors.Is(lastErr, model.ErrNotFound) {
			return Result{}, fmt.Errorf("address %q: %w", address, model.ErrNotFound)
		}
		c.logger.Warn("geocode failed", "address", address, "error", lastErr)
		return Result{}, model.Unavailable("geocode", lastErr)
	}
	c.cache.Set(key, res)
	return res, nil
}

var errClient = errors.New("geocoder rejected request")

type place struct {
	Lat         string   `json:"lat"`
	Lon         string   `json:"lon"`
	DisplayName string   `json:"display_name"`
	Importance  *float64 `json:"importance"`
}

func (c *Client) search(ctx context.Context, address string) (Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "json")
	q.Set("limit", "1")
	if c.countryCodes != "" {
		q.Set("countrycodes", c.countryCodes)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+q.Encode(), http.NoBody)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", errClient, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close response body", "error", err)
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Result{}, fmt.Errorf("%w: HTTP %d", errClient, resp.StatusCode)
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return Result{}, fmt.Errorf("failed to parse geocoding response: %w", err)
	}
	if len(places) == 0 {
		return Result{}, model.ErrNotFound
	}
	first := places[0]
	lat, err := strconv.ParseFloat(first.Lat, 64)
	if err != nil {
		return Result{}, fmt.Errorf("invalid latitude %q: %w", first.Lat, err)
	}
	lng, err := strconv.ParseFloat(first.Lon, 64)
	if err != nil {
		return Result{}, fmt.Errorf("invalid longitude %q: %w", first.Lon, err)
	}
	confidence := defaultConfidence
	if first.Importance != nil {
		confidence = *first.Importance
	}
	return Result{Lat: lat, Lng: lng, DisplayName: first.DisplayName, Confidence: confidence}, nil
}

// CacheSize is the approximate number of cached addresses.
func (c *Client) CacheSize() int {
	return c.cache.EstimatedSize()
}
