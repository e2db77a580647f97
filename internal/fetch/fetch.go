// Package fetch performs the network retrievals plugins request through the
// fetch import. http and https URLs go through net/http; s3:// URLs are read
// from an S3-compatible object store.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/keystroke-tools/hub/pkg/protocol"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
	DefaultUserAgent    = "hub-ingest/1.0"
)

// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Config configures a Client.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string

	// RateLimit is the sustained number of requests per second across all
	// plugins. Zero disables limiting.
	RateLimit float64
	Burst     int

	// S3 enables s3:// URLs when Endpoint is set.
	S3 S3Config
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Client implements the host side of the fetch import.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	objects ObjectGetter
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithObjects sets the object store used for s3:// URLs.
func WithObjects(o ObjectGetter) Option {
	return func(c *Client) { c.objects = o }
}

// New creates a Client. When cfg.S3.Endpoint is set an object store client
// is created for s3:// URLs.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "fetch")),
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	if cfg.S3.Endpoint != "" {
		objects, err := NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		c.objects = objects
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch performs req. A returned error means no response was obtained;
// HTTP error statuses are returned as responses.
func (c *Client) Fetch(ctx context.Context, req protocol.RequestOpts) (*protocol.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limit: %w", err)
		}
	}

	start := time.Now()
	var resp *protocol.Response
	switch u.Scheme {
	case "http", "https":
		resp, err = c.fetchHTTP(ctx, req)
	case "s3":
		resp, err = c.fetchObject(ctx, req, u)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if err != nil {
		c.logger.Debug("Fetch failed", zap.String("url", req.URL), zap.Error(err))
		return nil, err
	}

	c.logger.Debug("Fetched",
		zap.String("method", req.Method.String()),
		zap.String("url", req.URL),
		zap.Uint32("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

func (c *Client) fetchHTTP(ctx context.Context, req protocol.RequestOpts) (*protocol.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method.String(), req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	hreq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer hresp.Body.Close()

	data, err := c.readBody(hresp.Body)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(hresp.Header))
	for k := range hresp.Header {
		headers[k] = hresp.Header.Get(k)
	}
	return &protocol.Response{
		StatusCode: uint32(hresp.StatusCode),
		Body:       data,
		Headers:    headers,
	}, nil
}

func (c *Client) readBody(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w (exceeds %d bytes)", ErrBodyTooLarge, c.cfg.MaxBodyBytes)
	}
	return data, nil
}
