// Package transport is the HTTP side of a node talking to its upstream.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/logging"
	"fieldsync/pkg/response"

	"github.com/golang/snappy"
)

const (
	// EncodingSnappy is the Content-Encoding of snappy block-compressed bodies.
	EncodingSnappy = "snappy"

	maxResponseSize = 64 << 20
)

type Config struct {
	BaseURL string
	NodeID  string
	Secret  string
	Timeout time.Duration
	// Compression snappy-encodes upload bodies.
	Compression bool
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.Component(logger, "transport"),
		now:    time.Now,
	}
}

// Health asks the upstream whether it is serving. An error means the
// upstream is unreachable right now.
func (c *Client) Health(ctx context.Context) (*domain.HealthResponse, error) {
	var out domain.HealthResponse
	if err := c.do(ctx, OpHealth, http.MethodGet, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Download(ctx context.Context, scope string) (*domain.DownloadResponse, error) {
	path := "/api/v1/sync/download?scope=" + url.QueryEscape(scope)
	var out domain.DownloadResponse
	if err := c.authed(ctx, OpDownload, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Upload(ctx context.Context, req *domain.UploadRequest) (*domain.UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Op: OpUpload, Err: fmt.Errorf("failed to encode batch: %w", err)}
	}
	var out domain.UploadResponse
	if err := c.authed(ctx, OpUpload, http.MethodPost, "/api/v1/sync/upload", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BatchOutcome(ctx context.Context, batchID string) (*domain.BatchResult, error) {
	var out domain.BatchResult
	if err := c.authed(ctx, OpBatch, http.MethodGet, "/api/v1/sync/batches/"+url.PathEscape(batchID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Token returns a cached access token, exchanging the node secret for a new
// one when it is missing or about to expire.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Add(10*time.Second).Before(c.expiresAt) {
		return c.token, nil
	}

	body, err := json.Marshal(&domain.TokenRequest{NodeID: c.cfg.NodeID, Secret: c.cfg.Secret})
	if err != nil {
		return "", &Error{Op: OpToken, Err: err}
	}
	var out domain.TokenResponse
	if err := c.send(ctx, OpToken, http.MethodPost, "/api/v1/auth/token", body, "", false, &out); err != nil {
		return "", err
	}

	c.token = out.AccessToken
	c.expiresAt = c.now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// authed sends an authenticated request, refreshing the token once if the
// upstream no longer accepts it.
func (c *Client) authed(ctx context.Context, op Op, method, path string, body []byte, out interface{}) error {
	compress := c.cfg.Compression && body != nil
	for attempt := 0; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		err = c.send(ctx, op, method, path, body, token, compress, out)
		if IsUnauthorized(err) && attempt == 0 {
			c.dropToken()
			continue
		}
		return err
	}
}

func (c *Client) do(ctx context.Context, op Op, method, path string, out interface{}) error {
	return c.send(ctx, op, method, path, nil, "", false, out)
}

func (c *Client) send(ctx context.Context, op Op, method, path string, body []byte, token string, compress bool, out interface{}) error {
	var reader io.Reader
	if body != nil {
		if compress {
			body = snappy.Encode(nil, body)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return &Error{Op: op, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		if compress {
			req.Header.Set("Content-Encoding", EncodingSnappy)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return networkError(op, fmt.Errorf("timed out: %w", err))
		}
		return networkError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return networkError(op, fmt.Errorf("failed to read response: %w", err))
	}

	c.logger.Debug("upstream exchange",
		slog.String("op", string(op)),
		slog.Int("status", resp.StatusCode),
		slog.Int("request_bytes", len(body)),
		slog.Duration("duration", c.now().Sub(start)))

	env, err := response.Parse(data)
	if err != nil {
		if resp.StatusCode >= 400 {
			return statusError(op, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if resp.StatusCode >= 400 || !env.Success {
		return statusError(op, resp.StatusCode, env.Error)
	}

	if err := env.Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response data: %w", err)}
	}
	return nil
}
