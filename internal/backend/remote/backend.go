// Package remote implements workers backed by a LibreOffice Online style HTTP
// conversion endpoint. There is no process to supervise: starting a worker
// hands out a fresh execution context over a shared, pooled HTTP client.
package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/anvil/internal/backend"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultConnectTimeout  = 60 * time.Second
	DefaultResponseTimeout = 120 * time.Second
)

// maxErrorBody caps how much of an error response is quoted in errors.
const maxErrorBody = 512

// Config describes the remote endpoint.
type Config struct {
	// URL is the base connection URL, normalized by NormalizeEndpoint.
	URL string

	// ConnectTimeout bounds establishing the connection, TLS included.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds the wait for response headers once the request
	// is written.
	ResponseTimeout time.Duration

	// TLS is used for https endpoints. Nil means the system defaults.
	TLS *tls.Config
}

// NewClient returns an HTTP client configured with cfg's timeouts and TLS
// material. Its transport keeps connections alive for reuse across tasks.
func NewClient(cfg Config) *http.Client {
	connect := cfg.ConnectTimeout
	if connect <= 0 {
		connect = DefaultConnectTimeout
	}
	response := cfg.ResponseTimeout
	if response <= 0 {
		response = DefaultResponseTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connect, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       cfg.TLS,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: response,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}

// Backend is one worker slot bound to the remote endpoint.
type Backend struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu  sync.Mutex
	ctx *Context
}

// Compile-time check that Backend satisfies the Backend interface.
var _ backend.Backend = (*Backend)(nil)

// New creates a backend posting to cfg.URL through client. A nil client gets
// one built from cfg.
func New(cfg Config, client *http.Client, logger *slog.Logger) (*Backend, error) {
	endpoint, err := NormalizeEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = NewClient(cfg)
	}
	return &Backend{endpoint: endpoint, client: client, logger: logger.With("endpoint", endpoint)}, nil
}

// Factory returns a backend.Factory whose backends share one pooled client.
func Factory(cfg Config, logger *slog.Logger) (backend.Factory, error) {
	if _, err := NormalizeEndpoint(cfg.URL); err != nil {
		return nil, err
	}
	client := NewClient(cfg)
	return func(slot int) (backend.Backend, error) {
		return New(cfg, client, logger.With("slot", slot))
	}, nil
}

// Endpoint returns the normalized conversion endpoint prefix.
func (b *Backend) Endpoint() string { return b.endpoint }

func (b *Backend) Describe() backend.Description {
	return backend.Description{Kind: backend.KindRemote, Target: b.endpoint}
}

// Start hands out a new execution context. It does not contact the endpoint.
func (b *Backend) Start(ctx context.Context) (backend.ExecutionContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrStartup, err)
	}
	c := &Context{endpoint: b.endpoint, client: b.client, logger: b.logger}

	b.mu.Lock()
	if b.ctx != nil {
		b.ctx.broken.Store(true)
	}
	b.ctx = c
	b.mu.Unlock()
	return c, nil
}

// Stop retires the current execution context.
func (b *Backend) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		b.ctx.broken.Store(true)
		b.ctx = nil
	}
	return nil
}

// Context posts conversions to the remote endpoint. It becomes unusable after
// a transport failure or when its backend is stopped.
type Context struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	broken   atomic.Bool
}

// Compile-time check that Context satisfies the ExecutionContext interface.
var _ backend.ExecutionContext = (*Context)(nil)

func (c *Context) Usable() bool { return !c.broken.Load() }

// Convert uploads req.Input as the multipart "data" field and returns the
// response body.
func (c *Context) Convert(ctx context.Context, req backend.ConvertRequest) (backend.ConvertResult, error) {
	if !c.Usable() {
		return backend.ConvertResult{}, fmt.Errorf("%w: remote context is closed", backend.ErrTaskExecution)
	}
	if req.TargetFormat == "" {
		return backend.ConvertResult{}, fmt.Errorf("%w: target format is required", backend.ErrTaskExecution)
	}

	body, contentType, err := multipartBody(req)
	if err != nil {
		return backend.ConvertResult{}, fmt.Errorf("%w: encode request: %w", backend.ErrTaskExecution, err)
	}

	target := c.endpoint + url.PathEscape(strings.ToLower(req.TargetFormat))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return backend.ConvertResult{}, fmt.Errorf("%w: build request: %w", backend.ErrTaskExecution, err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return backend.ConvertResult{}, c.transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return backend.ConvertResult{}, fmt.Errorf("%w: remote returned %s: %s",
			backend.ErrTaskExecution, resp.Status, strings.TrimSpace(string(snippet)))
	}

	output, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.ConvertResult{}, c.transportError(ctx, err)
	}

	duration := time.Since(start)
	c.logger.Debug("remote conversion complete", "target", target, "bytes", len(output), "duration_ms", duration.Milliseconds())
	return backend.ConvertResult{Output: output, DurationMS: int(duration.Milliseconds())}, nil
}

// transportError maps a failed exchange onto the task error vocabulary. Any
// transport failure retires the context; the worker is restarted with a
// fresh one.
func (c *Context) transportError(ctx context.Context, err error) error {
	c.broken.Store(true)

	var netErr net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", backend.ErrTaskTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", backend.ErrTaskTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", backend.ErrTaskCancelled, err)
	default:
		return fmt.Errorf("%w: %w", backend.ErrTaskExecution, err)
	}
}

// multipartBody encodes the conversion input the way the LibreOffice Online
// convert-to endpoint expects it.
func multipartBody(req backend.ConvertRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	filename := req.Filename
	if filename == "" {
		filename = "document"
		if req.SourceFormat != "" {
			filename += "." + req.SourceFormat
		}
	}
	part, err := w.CreateFormFile("data", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Input); err != nil {
		return nil, "", err
	}
	if req.FilterOptions != "" {
		if err := w.WriteField("filter", req.FilterOptions); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
