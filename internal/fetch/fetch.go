// Package fetch downloads block lists with a fixed-delay retry loop.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"webshield/internal/domain"
)

const sniffLen = 512

var ErrTooLarge = errors.New("list exceeds size limit")

type Options struct {
	Timeout   time.Duration // time to response headers
	Backoff   time.Duration // fixed pause between attempts
	MaxBytes  int64         // decoded body cap, 0 = unlimited
	UserAgent string
	Logger    *zap.Logger
}

// Error is returned when every attempt to download a list failed.
type Error struct {
	URL      string
	Status   int // last HTTP status, 0 when no response
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s)", e.URL, e.Status, e.Attempts)
	case e.Cause != nil:
		return fmt.Sprintf("fetch %s: %v after %d attempt(s)", e.URL, e.Cause, e.Attempts)
	}
	return fmt.Sprintf("fetch %s failed after %d attempt(s)", e.URL, e.Attempts)
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{domain.ErrFetchFailed}
	}
	return []error{domain.ErrFetchFailed, e.Cause}
}

// Body is a list download. ContentLength is -1 when unknown.
type Body struct {
	io.Reader
	ContentLength int64
	closers       []io.Closer
}

func (b *Body) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Client struct {
	http    *http.Client
	backoff time.Duration
	max     int64
	ua      string
	logger  *zap.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "webshield/1.0"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	tr := cleanhttp.DefaultPooledTransport()
	tr.ResponseHeaderTimeout = opts.Timeout

	return &Client{
		// Bodies may stream for minutes; only header time is bounded.
		http:    &http.Client{Transport: tr},
		backoff: opts.Backoff,
		max:     opts.MaxBytes,
		ua:      opts.UserAgent,
		logger:  opts.Logger.Named("fetch"),
	}
}

// Get downloads rawURL, trying up to attempts times. Any transport error or
// non-2xx status counts as a failed attempt. Gzip bodies are decoded.
func (c *Client) Get(ctx context.Context, rawURL string, attempts int) (*Body, error) {
	if attempts < 1 {
		attempts = 1
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{URL: rawURL, Cause: err}
	}
	req.Header.Set("User-Agent", c.ua)

	var tries int
	rc := &retryablehttp.Client{
		HTTPClient:   c.http,
		Logger:       leveledLogger{c.logger.Sugar()},
		RetryWaitMin: c.backoff,
		RetryWaitMax: c.backoff,
		RetryMax:     attempts - 1,
		CheckRetry:   retryPolicy,
		Backoff:      fixedBackoff,
		ErrorHandler: func(resp *http.Response, err error, n int) (*http.Response, error) {
			tries = n
			return resp, err
		},
	}

	resp, err := rc.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &Error{URL: rawURL, Attempts: max(tries, 1), Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &Error{URL: rawURL, Status: resp.StatusCode, Attempts: max(tries, 1)}
	}

	return c.decode(resp)
}

func (c *Client) decode(resp *http.Response) (*Body, error) {
	body := &Body{ContentLength: resp.ContentLength, closers: []io.Closer{resp.Body}}

	var src io.Reader = resp.Body
	if c.max > 0 {
		src = &capReader{r: src, left: c.max}
	}

	br := bufio.NewReaderSize(src, 64*1024)
	head, _ := br.Peek(sniffLen)
	if len(head) > 0 && mimetype.Detect(head).Is("application/gzip") {
		zr, err := gzip.NewReader(br)
		if err != nil {
			body.Close()
			return nil, &Error{URL: resp.Request.URL.String(), Attempts: 1, Cause: fmt.Errorf("gzip: %w", err)}
		}
		body.closers = append(body.closers, zr)
		body.ContentLength = -1
		var r io.Reader = zr
		if c.max > 0 {
			r = &capReader{r: zr, left: c.max}
		}
		body.Reader = r
		c.logger.Debug("decoding gzip list", zap.String("url", resp.Request.URL.String()))
		return body, nil
	}

	body.Reader = br
	return body, nil
}

func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode < 200 || resp.StatusCode > 299, nil
}

func fixedBackoff(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
	return min
}

type capReader struct {
	r    io.Reader
	left int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.left <= 0 {
		var probe [1]byte
		n, err := c.r.Read(probe[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	return n, err
}

// leveledLogger routes retryablehttp logs into zap. Per-attempt errors are
// warnings; the caller decides whether the download failed.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
