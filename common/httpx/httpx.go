package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

// Client is an outbound HTTP client with retries, a host allowlist and a
// consecutive-failure circuit breaker. Safe for concurrent use.
type Client struct {
	hc        *http.Client
	opt       Options
	fail      int32 // consecutive failures
	openUntil int64 // unix nanos for circuit open deadline
}

type Options struct {
	Timeout            time.Duration
	Retry              int
	BackoffMin         time.Duration
	BackoffMax         time.Duration
	HostAllowlist      []string
	MaxConsecutiveFail int
	CircuitOpen        time.Duration
}

var (
	ErrCircuitOpen    = errors.New("circuit open")
	ErrHostNotAllowed = errors.New("host not allowed")
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.Code)
	}
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

func NewFromConfig(cfg *config.HTTPClientConfig) *Client {
	// defaults
	to := 1200 * time.Millisecond
	if cfg != nil && cfg.TimeoutMs > 0 {
		to = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	retries := 1
	if cfg != nil && cfg.Retry > 0 {
		retries = cfg.Retry
	}
	bmin := 100 * time.Millisecond
	if cfg != nil && cfg.BackoffMinMs > 0 {
		bmin = time.Duration(cfg.BackoffMinMs) * time.Millisecond
	}
	bmax := 800 * time.Millisecond
	if cfg != nil && cfg.BackoffMaxMs > 0 {
		bmax = time.Duration(cfg.BackoffMaxMs) * time.Millisecond
	}
	mcf := 5
	if cfg != nil && cfg.MaxConsecutiveFailures > 0 {
		mcf = cfg.MaxConsecutiveFailures
	}
	cop := 5 * time.Second
	if cfg != nil && cfg.CircuitOpenSeconds > 0 {
		cop = time.Duration(cfg.CircuitOpenSeconds) * time.Second
	}
	var allow []string
	if cfg != nil {
		allow = cfg.HostAllowlist
	}
	return New(Options{
		Timeout: to, Retry: retries, BackoffMin: bmin, BackoffMax: bmax,
		HostAllowlist: allow, MaxConsecutiveFail: mcf, CircuitOpen: cop,
	})
}

// WithTimeout returns a copy of cfg whose request timeout is d. Model calls
// need far longer deadlines than index lookups.
func WithTimeout(cfg *config.HTTPClientConfig, d time.Duration) *config.HTTPClientConfig {
	out := config.HTTPClientConfig{}
	if cfg != nil {
		out = *cfg
	}
	if d > 0 {
		out.TimeoutMs = int(d / time.Millisecond)
	}
	return &out
}

func New(opt Options) *Client {
	transport := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: opt.Timeout}).DialContext,
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:    100,
		IdleConnTimeout: 30 * time.Second,
	}
	if opt.MaxConsecutiveFail <= 0 {
		opt.MaxConsecutiveFail = 5
	}
	return &Client{hc: &http.Client{Timeout: opt.Timeout, Transport: transport}, opt: opt}
}

func (c *Client) allowed(u string) bool {
	if len(c.opt.HostAllowlist) == 0 {
		return true
	}
	pu, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := pu.Hostname()
	for _, h := range c.opt.HostAllowlist {
		if matchHost(h, host) {
			return true
		}
	}
	return false
}

func matchHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.EqualFold(pattern, host) {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suf := strings.TrimPrefix(pattern, "*.")
		return strings.HasSuffix(host, "."+suf) || host == suf
	}
	return false
}

// Do sends req, retrying transport errors and 5xx responses. Request bodies
// are replayed through req.GetBody.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !c.allowed(req.URL.String()) {
		logger.Warnf("httpx: blocked outbound host: %s", req.URL.Host)
		return nil, ErrHostNotAllowed
	}
	if atomic.LoadInt64(&c.openUntil) > time.Now().UnixNano() {
		return nil, ErrCircuitOpen
	}

	var resp *http.Response
	attempt := 0
	err := retry.Do(
		func() error {
			r := req
			if attempt > 0 && req.Body != nil && req.Body != http.NoBody {
				if req.GetBody == nil {
					return retry.Unrecoverable(errors.New("request body cannot be replayed"))
				}
				body, err := req.GetBody()
				if err != nil {
					return retry.Unrecoverable(err)
				}
				r = req.Clone(req.Context())
				r.Body = body
			}
			attempt++
			res, err := c.hc.Do(r)
			if err != nil {
				return err
			}
			if res.StatusCode >= 500 {
				b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
				_ = res.Body.Close()
				return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(b))}
			}
			resp = res
			return nil
		},
		retry.Context(req.Context()),
		retry.Attempts(uint(c.opt.Retry+1)),
		retry.Delay(c.opt.BackoffMin),
		retry.MaxDelay(c.opt.BackoffMax),
		retry.MaxJitter(c.opt.BackoffMin),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnf("httpx: request failed (try %d/%d) to %s: %v", n+1, c.opt.Retry+1, req.URL.Host, err)
		}),
	)
	if err != nil {
		// open circuit on consecutive failures
		if atomic.AddInt32(&c.fail, 1) >= int32(c.opt.MaxConsecutiveFail) {
			atomic.StoreInt64(&c.openUntil, time.Now().Add(c.opt.CircuitOpen).UnixNano())
			atomic.StoreInt32(&c.fail, 0)
			logger.Warnf("httpx: circuit opened for %v", c.opt.CircuitOpen)
		}
		return nil, err
	}
	atomic.StoreInt32(&c.fail, 0)
	return resp, nil
}

// DoJSON sends payload (nil for no body) as JSON and returns the response
// body. Non-2xx responses become *StatusError.
func (c *Client) DoJSON(ctx context.Context, method, u string, payload interface{}, header http.Header) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		bs, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(snippet)}
	}
	return data, nil
}
