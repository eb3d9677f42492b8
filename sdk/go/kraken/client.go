package kraken

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

const userAgent = "kraken-go-sdk/0.1.0"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenStore
	retry      RetryConfig
	group      singleflight.Group
	sleep      func(context.Context, time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient builds a client for baseURL. A nil token store sends no
// Authorization header.
func NewClient(baseURL string, tokens TokenStore, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tokens:     tokens,
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

type response struct {
	status      int
	contentType string
	body        []byte
}

// get is a retried, de-duplicated GET. Concurrent callers for the same path
// and Accept share one round trip.
func (c *Client) get(ctx context.Context, path, accept string) (response, error) {
	v, err, _ := c.group.Do(accept+" "+path, func() (any, error) {
		return c.do(ctx, http.MethodGet, path, nil, map[string]string{"Accept": accept})
	})
	if err != nil {
		return response{}, err
	}
	return v.(response), nil
}

// send issues a mutation. Mutations are never retried.
func (c *Client) send(ctx context.Context, method, path string, body any, headers map[string]string) (response, error) {
	return c.do(ctx, method, path, body, headers)
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string) (response, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return response{}, err
		}
	}
	token := ""
	if c.tokens != nil {
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return response{}, err
		}
	}
	attempts := 1
	if method == http.MethodGet {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return response{}, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return response{}, ctx.Err()
			}
			if attempt < attempts {
				if serr := c.sleep(ctx, backoff(c.retry, attempt, "")); serr != nil {
					return response{}, serr
				}
				continue
			}
			return response{}, &NetworkError{Err: err}
		}
		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return response{}, &NetworkError{Err: err}
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return response{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type"), body: respBody}, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			if serr := c.sleep(ctx, backoff(c.retry, attempt, resp.Header.Get("Retry-After"))); serr != nil {
				return response{}, serr
			}
			continue
		}
		return response{}, parseError(resp.StatusCode, resp.Header.Get("X-Request-Id"), respBody)
	}
	return response{}, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

// backoff honours a Retry-After in seconds, else full jitter over an
// exponential ceiling.
func backoff(cfg RetryConfig, attempt int, retryAfter string) time.Duration {
	if s := strings.TrimSpace(retryAfter); s != "" {
		if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			return d
		}
	}
	ceiling := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if ceiling > float64(cfg.MaxDelay) {
		ceiling = float64(cfg.MaxDelay)
	}
	if ceiling < 1 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(ceiling)))
	if err != nil {
		return time.Duration(ceiling)
	}
	return time.Duration(n.Int64())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
