package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultDataAPIURL = "https://data-api.polymarket.com"
	userAgent         = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	zeroAddress       = "0x0000000000000000000000000000000000000000"
)

// DataClient is the read side of the data API used by the ingestor and the
// executor.
type DataClient interface {
	GetActivity(ctx context.Context, user string, q ActivityQuery) ([]Activity, error)
	GetPositions(ctx context.Context, user string) ([]Position, error)
}

// ActivityQuery selects a page of the activity feed. Type may be a single
// activity type or a comma separated list; empty means all types.
type ActivityQuery struct {
	Type   string
	Limit  int
	Offset int
}

// ClientOptions tunes the data API client.
type ClientOptions struct {
	Timeout           time.Duration
	RetryLimit        int
	RequestsPerSecond float64
	Logger            logrus.FieldLogger
}

// Client talks to the Polymarket data API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	limiter     *rate.Limiter
	retryLimit  int
	backoffBase time.Duration
	log         logrus.FieldLogger
}

// HTTPError is a non-2xx response from the data API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("data api: status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewClient builds a data API client.
func NewClient(baseURL string, opts ClientOptions) *Client {
	if baseURL == "" {
		baseURL = defaultDataAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = 3
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: opts.Timeout},
		limiter:     rate.NewLimiter(limit, 1),
		retryLimit:  opts.RetryLimit,
		backoffBase: time.Second,
		log:         opts.Logger,
	}
}

// GetActivity fetches one page of a user's activity, newest first.
func (c *Client) GetActivity(ctx context.Context, user string, q ActivityQuery) ([]Activity, error) {
	values := url.Values{}
	values.Set("user", user)
	if q.Type != "" {
		values.Set("type", q.Type)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}

	var activities []Activity
	if err := c.getJSON(ctx, "/activity", values, &activities); err != nil {
		return nil, fmt.Errorf("get activity for %s: %w", user, err)
	}
	return activities, nil
}

// GetPositions fetches a user's open positions.
func (c *Client) GetPositions(ctx context.Context, user string) ([]Position, error) {
	values := url.Values{}
	values.Set("user", user)

	var positions []Position
	if err := c.getJSON(ctx, "/positions", values, &positions); err != nil {
		return nil, fmt.Errorf("get positions for %s: %w", user, err)
	}
	return positions, nil
}

// Ping checks that the data API answers a positions query.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetPositions(ctx, zeroAddress)
	return err
}

// getJSON performs a GET with exponential backoff on network errors, 429 and
// 5xx responses.
func (c *Client) getJSON(ctx context.Context, path string, values url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryLimit; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		lastErr = c.doGet(ctx, endpoint, out)
		if lastErr == nil {
			return nil
		}
		var httpErr *HTTPError
		if errors.As(lastErr, &httpErr) && !httpErr.retryable() {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == c.retryLimit {
			break
		}

		delay := c.backoffBase * time.Duration(1<<(attempt-1))
		c.log.Warnf("[DataAPI] %s failed (attempt %d/%d), retrying in %s: %v", path, attempt, c.retryLimit, delay, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("after %d attempts: %w", c.retryLimit, lastErr)
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

var _ DataClient = (*Client)(nil)
