package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "cronhook/1.0"

	// drained so keep-alive connections can be reused
	maxDrainBytes = 64 << 10
)

type Config struct {
	Timeout    time.Duration
	RatePerSec float64 // 0 disables the limiter
	RateBurst  int
	UserAgent  string
}

// Result is the outcome of one delivery attempt.
type Result struct {
	OK         bool
	StatusCode int
	Reason     string
	// Skipped is set when ctx ended while waiting on the rate limiter and no
	// request was sent.
	Skipped bool
}

// Client posts task payloads to webhook endpoints. It owns one transport;
// Close releases its pooled connections.
type Client struct {
	http      *http.Client
	transport *http.Transport
	limiter   *rate.Limiter
	userAgent string
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	c := &Client{
		http:      &http.Client{Transport: tr, Timeout: cfg.Timeout},
		transport: tr,
		userAgent: cfg.UserAgent,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c
}

// Deliver performs a single POST of payload to url. Only 200 and 204 count as success.
// ctx bounds the rate limiter wait; once sent, the request runs until it
// completes or hits the client timeout.
func (c *Client) Deliver(ctx context.Context, url string, payload json.RawMessage) Result {
	body := []byte(payload)
	if len(body) == 0 || string(body) == "null" {
		body = []byte("{}")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{Skipped: true, Reason: fmt.Sprintf("Task execution skipped: rate limit: %v", err)}
		}
	}

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Reason: fmt.Sprintf("Task execution failed: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Reason: fmt.Sprintf("Task execution failed: %v", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return Result{OK: true, StatusCode: resp.StatusCode, Reason: "Task executed successfully"}
	}
	return Result{
		StatusCode: resp.StatusCode,
		Reason:     fmt.Sprintf("Webhook request failed with status %d", resp.StatusCode),
	}
}

// CloseIdleConnections drops pooled connections; the client stays usable.
func (c *Client) CloseIdleConnections() {
	c.transport.CloseIdleConnections()
}

func (c *Client) Close() error {
	c.CloseIdleConnections()
	return nil
}
