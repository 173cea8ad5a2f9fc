// Package socket implements backend.Engine over a framed JSON protocol on a
// stream connection (TCP, Unix socket or vsock), and the matching server
// that exposes any backend.Engine to babel.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/babel/internal/backend"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// DefaultCallTimeout bounds one RPC when the caller's context has no deadline.
const DefaultCallTimeout = 30 * time.Second

// RemoteError is an error reported by the engine agent.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("engine agent error (%s): %s", e.Code, e.Message)
}

// Client calls an engine agent, opening one connection per RPC.
type Client struct {
	typ     string
	addr    Address
	timeout time.Duration
}

var _ backend.Engine = (*Client)(nil)

// New creates a client for the engine type served at addr.
func New(engineType string, addr Address) *Client {
	return &Client{typ: engineType, addr: addr, timeout: DefaultCallTimeout}
}

func (c *Client) Create(ctx context.Context, cfg backend.EngineConfig) error {
	return c.call(ctx, MethodCreate, cfg, nil)
}

func (c *Client) Update(ctx context.Context, cfg backend.EngineConfig) error {
	return c.call(ctx, MethodUpdate, cfg, nil)
}

func (c *Client) Delete(ctx context.Context, engineID string) error {
	err := c.call(ctx, MethodDelete, DeleteParams{EngineID: engineID}, nil)
	if errors.Is(err, backend.ErrEngineNotFound) {
		return nil
	}
	return err
}

func (c *Client) StartBuild(ctx context.Context, spec backend.BuildSpec) error {
	return c.call(ctx, MethodStartBuild, spec, nil)
}

func (c *Client) CancelBuild(ctx context.Context, engineID, buildID string) error {
	return c.call(ctx, MethodCancelBuild, CancelParams{EngineID: engineID, BuildID: buildID}, nil)
}

func (c *Client) Translate(ctx context.Context, req backend.TranslateRequest) (backend.TranslateResult, error) {
	var res backend.TranslateResult
	err := c.call(ctx, MethodTranslate, req, &res)
	return res, err
}

func (c *Client) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Type:                c.typ,
		Transport:           c.addr.Network,
		SupportsTranslation: true,
		MaxConcurrentBuilds: 1,
	}
}

// call performs one request/response exchange on a fresh connection.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	cn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := cn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set deadline: %w", err)
		}
	}

	if err := WriteMessage(cn, Request{Method: method, Params: raw}); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	var resp Response
	if err := ReadMessage(cn.reader, &resp); err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	if resp.Error != "" {
		if resp.Code == CodeNotFound {
			return fmt.Errorf("%s: %w", method, backend.ErrEngineNotFound)
		}
		return &RemoteError{Code: resp.Code, Message: resp.Error}
	}

	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// dial connects to the agent, retrying with exponential backoff.
func (c *Client) dial(ctx context.Context) (*conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		cn, err := dial(ctx, c.addr)
		if err == nil {
			return cn, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial %s: %w", c.addr, ctx.Err())
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", c.addr, dialMaxRetries, lastErr)
}
