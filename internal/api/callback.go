package api

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
	"time"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/retry"
)

// CallbackClient reports build lifecycle events of an engine process to the
// API server. A busy engine lock or a server fault is retried with linear
// back-off; any other rejection is final.
type CallbackClient struct {
	baseURL string
	http    *http.Client
	retry   retry.Policy
}

// NewCallbackClient creates a client for the API served at baseURL.
func NewCallbackClient(baseURL string) *CallbackClient {
	return &CallbackClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		retry: retry.Policy{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			Retryable:  retryableCallback,
		},
	}
}

// CallbackError is a non-2xx response to a callback.
type CallbackError struct {
	Status  int
	Message string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("callback rejected (%d): %s", e.Status, e.Message)
}

// retryableCallback retries transport errors, a busy resource and server
// faults.
func retryableCallback(err error) bool {
	var cbErr *CallbackError
	if !errors.As(err, &cbErr) {
		return true
	}
	return cbErr.Status == http.StatusConflict || cbErr.Status >= 500
}

func (c *CallbackClient) BuildStarted(ctx context.Context, buildID string) error {
	return c.post(ctx, buildID, "started", struct{}{})
}

func (c *CallbackClient) BuildProgress(ctx context.Context, buildID string, p model.Progress) error {
	return c.post(ctx, buildID, "progress", p)
}

func (c *CallbackClient) BuildFinished(ctx context.Context, buildID, state, message string) error {
	return c.post(ctx, buildID, "finished", finishBuildRequest{State: state, Message: message})
}

func (c *CallbackClient) post(ctx context.Context, buildID, event string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s callback: %w", event, err)
	}
	endpoint := c.baseURL + "/v1/builds/" + url.PathEscape(buildID) + "/" + event

	return c.retry.Do(ctx, func() error {
		return c.send(ctx, endpoint, buf)
	})
}

func (c *CallbackClient) send(ctx context.Context, endpoint string, buf []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr)
	return &CallbackError{Status: resp.StatusCode, Message: apiErr.Error}
}
