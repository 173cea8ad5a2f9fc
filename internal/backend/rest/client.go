// Package rest implements backend.Engine for engine services reachable over
// HTTP/JSON. Requests go through a rate limiter, a circuit breaker and a
// retry policy for transient faults.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/retry"
)

// Client calls one engine service.
type Client struct {
	typ     string
	cfg     Config
	http    *http.Client
	retry   retry.Policy
	limiter *rateLimiter
	breaker circuitBreaker
}

var _ backend.Engine = (*Client)(nil)

// New creates a client for the engine type served at cfg.BaseURL.
func New(engineType string, cfg Config) *Client {
	return &Client{
		typ:  engineType,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		retry: retry.Policy{
			MaxRetries: cfg.RetryCount,
			BaseDelay:  cfg.RetryDelay,
			Retryable:  isTransient,
		},
		limiter: newRateLimiter(cfg.RateLimit, cfg.RateBurst),
		breaker: newCircuitBreaker(engineType, cfg),
	}
}

// Create provisions the engine. A 409 means it already exists.
func (c *Client) Create(ctx context.Context, cfg backend.EngineConfig) error {
	err := c.do(ctx, http.MethodPost, "/engines", cfg, nil)
	if statusIs(err, http.StatusConflict) {
		return nil
	}
	return err
}

func (c *Client) Update(ctx context.Context, cfg backend.EngineConfig) error {
	err := c.do(ctx, http.MethodPut, "/engines/"+url.PathEscape(cfg.ID), cfg, nil)
	if statusIs(err, http.StatusNotFound) {
		return fmt.Errorf("update %s: %w", cfg.ID, backend.ErrEngineNotFound)
	}
	return err
}

// Delete removes the engine. A 404 means it is already gone.
func (c *Client) Delete(ctx context.Context, engineID string) error {
	err := c.do(ctx, http.MethodDelete, "/engines/"+url.PathEscape(engineID), nil, nil)
	if statusIs(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// StartBuild begins training. A 409 means the build is already running.
func (c *Client) StartBuild(ctx context.Context, spec backend.BuildSpec) error {
	err := c.do(ctx, http.MethodPost, "/engines/"+url.PathEscape(spec.EngineID)+"/builds", spec, nil)
	switch {
	case statusIs(err, http.StatusConflict):
		return nil
	case statusIs(err, http.StatusNotFound):
		return fmt.Errorf("start build %s: %w", spec.BuildID, backend.ErrEngineNotFound)
	}
	return err
}

// CancelBuild stops a build. Unknown and already finished builds are not
// errors.
func (c *Client) CancelBuild(ctx context.Context, engineID, buildID string) error {
	path := "/engines/" + url.PathEscape(engineID) + "/builds/" + url.PathEscape(buildID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if statusIs(err, http.StatusNotFound) || statusIs(err, http.StatusConflict) {
		return nil
	}
	return err
}

func (c *Client) Translate(ctx context.Context, req backend.TranslateRequest) (backend.TranslateResult, error) {
	var res backend.TranslateResult
	err := c.do(ctx, http.MethodPost, "/engines/"+url.PathEscape(req.EngineID)+"/translate", req, &res)
	if statusIs(err, http.StatusNotFound) {
		return res, fmt.Errorf("translate: %w", backend.ErrEngineNotFound)
	}
	return res, err
}

func (c *Client) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Type:                c.typ,
		Transport:           "rest",
		SupportsTranslation: true,
		MaxConcurrentBuilds: 1,
	}
}

// do sends one logical request, retrying transient failures.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = b
	}

	return c.retry.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
		return c.breaker.Execute(func() error {
			return c.doOnce(ctx, method, path, payload, out)
		})
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func statusIs(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
