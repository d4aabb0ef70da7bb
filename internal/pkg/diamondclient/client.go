package diamondclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxTries = 3
)

var (
	// ErrInsufficientBalance is returned when the server rejected a consume.
	ErrInsufficientBalance = errors.New("insufficient diamond balance")
	// ErrUnavailable is returned for retryable failures once retries are exhausted.
	ErrUnavailable = errors.New("diamond ledger temporarily unavailable")
	// ErrRejected is returned for non-retryable 4xx responses.
	ErrRejected = errors.New("diamond ledger rejected request")
)

// TokenSource returns the bearer token for a user.
type TokenSource func(ctx context.Context, userID string) (string, error)

// StaticToken serves one token for every user. Useful for a single-user device.
func StaticToken(token string) TokenSource {
	return func(context.Context, string) (string, error) { return token, nil }
}

// ConsumeResult is the authoritative server answer to a consume.
type ConsumeResult struct {
	OK            bool   `json:"ok"`
	Balance       int    `json:"balance"`
	Cost          int    `json:"cost"`
	Replayed      bool   `json:"replayed"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// Balance is the server balance view.
type Balance struct {
	UserID       string    `json:"user_id"`
	Balance      int       `json:"balance"`
	MaxBalance   int       `json:"max_balance"`
	LastRefillAt time.Time `json:"last_refill_at"`
	NextRefillAt time.Time `json:"next_refill_at"`
}

// Policy is the cost table published by the server.
type Policy struct {
	Costs          map[string]int `json:"costs"`
	InitialBalance int            `json:"initial_balance"`
	MaxBalance     int            `json:"max_balance"`
	PurchaseCap    int            `json:"purchase_cap"`
	RefillTimezone string         `json:"refill_timezone"`
}

// Client talks to the ledger HTTP API. Retryable failures are retried with
// exponential backoff; a consume retry always reuses its idempotency key.
type Client struct {
	baseURL  string
	tokens   TokenSource
	ua       string
	http     *http.Client
	maxTries uint
	backoff  func() backoff.BackOff
}

// Option customizes a Client.
type Option func(*Client)

// WithMaxTries bounds attempts per call, including the first.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.backoff = fn }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.ua = ua }
}

// NewClient creates a ledger client.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokens:   tokens,
		http:     &http.Client{Timeout: timeout, Transport: transport},
		maxTries: defaultMaxTries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume charges action for userID. On a server-side rejection the result
// still carries the authoritative balance and the error is ErrInsufficientBalance.
func (c *Client) Consume(ctx context.Context, userID, action, idempotencyKey string) (*ConsumeResult, error) {
	body := map[string]string{"action": action, "idempotency_key": idempotencyKey}

	var rejected *ConsumeResult
	res, err := retry(ctx, c, func() (*ConsumeResult, error) {
		var out ConsumeResult
		env, err := c.do(ctx, userID, http.MethodPost, "/diamonds/consume", body, &out)
		if err != nil {
			if env != nil && env.status == http.StatusPaymentRequired {
				rejected = &ConsumeResult{OK: false, Balance: env.detailInt("balance"), Cost: env.detailInt("cost")}
				return nil, backoff.Permanent(ErrInsufficientBalance)
			}
			return nil, err
		}
		return &out, nil
	})
	if rejected != nil {
		return rejected, ErrInsufficientBalance
	}
	return res, err
}

// GetBalance reads the user's current balance.
func (c *Client) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return retry(ctx, c, func() (*Balance, error) {
		var out Balance
		if _, err := c.do(ctx, userID, http.MethodGet, "/diamonds", nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// Policy loads the published cost table. It needs no token.
func (c *Client) Policy(ctx context.Context) (*Policy, error) {
	return retry(ctx, c, func() (*Policy, error) {
		var out Policy
		if _, err := c.do(ctx, "", http.MethodGet, "/diamonds/costs", nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

func retry[T any](ctx context.Context, c *Client, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxTries),
	)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`

	status int
}

func (e *envelope) detailInt(key string) int {
	if e.Error == nil {
		return 0
	}
	n, _ := strconv.Atoi(e.Error.Details[key])
	return n
}

// do performs one attempt. Errors it returns are retryable unless wrapped
// with backoff.Permanent.
func (c *Client) do(ctx context.Context, userID, method, path string, in, out interface{}) (*envelope, error) {
	if c == nil || c.http == nil {
		return nil, backoff.Permanent(errors.New("diamond client is nil"))
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	if userID != "" && c.tokens != nil {
		token, err := c.tokens(ctx, userID)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("token for %s: %w", userID, err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	env := &envelope{status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, env); err != nil && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("decode response: status=%d: %w", resp.StatusCode, err))
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return env, backoff.Permanent(fmt.Errorf("decode data: %w", err))
			}
		}
		return env, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return env, fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
	default:
		code := ""
		if env.Error != nil {
			code = env.Error.Code
		}
		return env, backoff.Permanent(fmt.Errorf("%w: status=%d code=%s", ErrRejected, resp.StatusCode, code))
	}
}

func classifyRequestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(fmt.Errorf("diamond request canceled: %w", err))
	}
	if isTimeoutError(err) {
		return fmt.Errorf("%w: timeout: %v", ErrUnavailable, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: network: %v", ErrUnavailable, err)
	}
	return backoff.Permanent(fmt.Errorf("diamond request error: %w", err))
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
