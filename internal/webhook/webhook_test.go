package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/store"
	"github.com/seantiz/babel/internal/webhook"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// manualClock only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// receiver is a webhook endpoint that records what it receives.
type receiver struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   [][]byte
	status   atomic.Int32
}

func newReceiver(t *testing.T) (*receiver, *httptest.Server) {
	r := &receiver{}
	r.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.requests = append(r.requests, req)
		r.bodies = append(r.bodies, body)
		r.mu.Unlock()
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

var finishedPayload = map[string]string{"BuildId": "build1", "EngineId": "engine1"}

func TestSendEventWithoutHooksRecordsNothing(t *testing.T) {
	s := newTestStore(t)
	var notified atomic.Int32
	svc := webhook.NewService(s, discardLogger(), func() { notified.Add(1) })
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, "client2", "http://example.com/hook", "secret", []string{model.EventBuildFinished})
	require.NoError(t, err)

	require.NoError(t, svc.SendEvent(ctx, model.EventBuildFinished, "client1", finishedPayload))

	due, err := s.ListDueWebhookDeliveries(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.Zero(t, notified.Load())
}

func TestSendEventFansOutToSubscribedHooks(t *testing.T) {
	s := newTestStore(t)
	var notified atomic.Int32
	svc := webhook.NewService(s, discardLogger(), func() { notified.Add(1) })
	ctx := context.Background()

	a, err := svc.Subscribe(ctx, "client1", "http://a.example.com/hook", "sa", []string{model.EventBuildFinished})
	require.NoError(t, err)
	b, err := svc.Subscribe(ctx, "client1", "https://b.example.com/hook", "sb",
		[]string{model.EventBuildStarted, model.EventBuildFinished})
	require.NoError(t, err)
	started, err := svc.Subscribe(ctx, "client1", "http://c.example.com/hook", "sc", []string{model.EventBuildStarted})
	require.NoError(t, err)

	require.NoError(t, svc.SendEvent(ctx, model.EventBuildFinished, "client1", finishedPayload))
	assert.Equal(t, int32(1), notified.Load())

	want := `{"event":"BuildFinished","payload":{"BuildId":"build1","EngineId":"engine1"}}`
	for _, h := range []*model.Webhook{a, b} {
		deliveries, err := s.ListWebhookDeliveries(ctx, h.ID)
		require.NoError(t, err)
		require.Len(t, deliveries, 1, "hook %s", h.URL)
		assert.Equal(t, want, string(deliveries[0].Body))
		assert.Equal(t, model.DeliveryPending, deliveries[0].Status)
	}

	deliveries, err := s.ListWebhookDeliveries(ctx, started.ID)
	require.NoError(t, err)
	assert.Empty(t, deliveries, "hooks not subscribed to the event get nothing")
}

func TestRecordEventCommitsWithTransaction(t *testing.T) {
	s := newTestStore(t)
	var notified atomic.Int32
	svc := webhook.NewService(s, discardLogger(), func() { notified.Add(1) })
	ctx := context.Background()

	h, err := svc.Subscribe(ctx, "client1", "http://a.example.com/hook", "sa", []string{model.EventBuildFinished})
	require.NoError(t, err)

	errAbort := errors.New("abort")
	err = s.InTx(ctx, func(tx store.Tx) error {
		require.NoError(t, svc.RecordEvent(ctx, tx, model.EventBuildFinished, "client1", finishedPayload))
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	deliveries, err := s.ListWebhookDeliveries(ctx, h.ID)
	require.NoError(t, err)
	assert.Empty(t, deliveries, "a rolled back transaction records nothing")

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		return svc.RecordEvent(ctx, tx, model.EventBuildFinished, "client1", finishedPayload)
	}))
	assert.Zero(t, notified.Load(), "recording inside a transaction leaves the wake-up to the caller")
	svc.Notify()
	assert.Equal(t, int32(1), notified.Load())

	deliveries, err = s.ListWebhookDeliveries(ctx, h.ID)
	require.NoError(t, err)
	assert.Len(t, deliveries, 1)
}

func TestSubscribeValidation(t *testing.T) {
	svc := webhook.NewService(newTestStore(t), discardLogger(), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		owner  string
		url    string
		secret string
		events []string
	}{
		{"no owner", "", "http://x.example.com", "s", []string{model.EventBuildStarted}},
		{"no secret", "o", "http://x.example.com", "", []string{model.EventBuildStarted}},
		{"relative url", "o", "/hook", "s", []string{model.EventBuildStarted}},
		{"bad scheme", "o", "ftp://x.example.com", "s", []string{model.EventBuildStarted}},
		{"no events", "o", "http://x.example.com", "s", nil},
		{"unknown event", "o", "http://x.example.com", "s", []string{"BuildExploded"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Subscribe(ctx, tt.owner, tt.url, tt.secret, tt.events)
			assert.ErrorIs(t, err, webhook.ErrInvalidWebhook)
		})
	}

	h, err := svc.Subscribe(ctx, "o", "http://x.example.com", "s",
		[]string{model.EventBuildStarted, model.EventBuildFinished, model.EventBuildStarted})
	require.NoError(t, err)
	assert.Equal(t, []string{model.EventBuildFinished, model.EventBuildStarted}, h.Events)
}

func setupDelivery(t *testing.T, hookURL string) (*store.SQLStore, *webhook.Runner, *manualClock, *model.Webhook) {
	t.Helper()
	s := newTestStore(t)
	// Deliveries are recorded at wall-clock time; the runner's clock starts past it.
	clock := &manualClock{now: time.Now().UTC().Add(time.Minute)}
	runner := webhook.NewRunner(s, discardLogger(), time.Hour, webhook.WithClock(clock.Now))
	svc := webhook.NewService(s, discardLogger(), runner.Notify)

	ctx := context.Background()
	h, err := svc.Subscribe(ctx, "client1", hookURL, "this is a secret", []string{model.EventBuildFinished})
	require.NoError(t, err)
	require.NoError(t, svc.SendEvent(ctx, model.EventBuildFinished, "client1", finishedPayload))
	return s, runner, clock, h
}

func onlyDelivery(t *testing.T, s *store.SQLStore, hookID string) *model.WebhookDelivery {
	t.Helper()
	deliveries, err := s.ListWebhookDeliveries(context.Background(), hookID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func TestRunnerDeliversSignedRequest(t *testing.T) {
	recv, srv := newReceiver(t)
	s, runner, _, h := setupDelivery(t, srv.URL)

	n, err := runner.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, 1, recv.count())
	req, body := recv.requests[0], recv.bodies[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, model.EventBuildFinished, req.Header.Get(webhook.HeaderEvent))
	assert.Equal(t,
		"sha256=eeb0a31ce8cbe5e899898ad5004ea9fd5d04b1f72809cfe43c693db36328ebf6",
		req.Header.Get(webhook.HeaderSignature))
	assert.True(t, webhook.Verify("this is a secret", body, req.Header.Get(webhook.HeaderSignature)))

	d := onlyDelivery(t, s, h.ID)
	assert.Equal(t, model.DeliveryDelivered, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, http.StatusOK, d.LastStatus)
	assert.Equal(t, d.ID, req.Header.Get(webhook.HeaderDelivery))

	var env struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, finishedPayload, env.Payload)

	// Delivered deliveries are not attempted again.
	n, err = runner.Process(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunnerRetriesWithBackoff(t *testing.T) {
	recv, srv := newReceiver(t)
	recv.status.Store(http.StatusServiceUnavailable)
	s, runner, clock, h := setupDelivery(t, srv.URL)
	ctx := context.Background()

	_, err := runner.Process(ctx)
	require.NoError(t, err)
	d := onlyDelivery(t, s, h.ID)
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, d.LastStatus)
	assert.WithinDuration(t, clock.Now().Add(time.Second), d.NextAttemptAt, time.Millisecond)

	// Not due yet.
	n, err := runner.Process(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Second)
	_, err = runner.Process(ctx)
	require.NoError(t, err)
	d = onlyDelivery(t, s, h.ID)
	assert.Equal(t, 2, d.Attempts)
	assert.WithinDuration(t, clock.Now().Add(2*time.Second), d.NextAttemptAt, time.Millisecond)

	recv.status.Store(http.StatusNoContent)
	clock.Advance(2 * time.Second)
	_, err = runner.Process(ctx)
	require.NoError(t, err)
	d = onlyDelivery(t, s, h.ID)
	assert.Equal(t, model.DeliveryDelivered, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, 3, recv.count())
}

func TestRunnerGivesUpAfterMaxAttempts(t *testing.T) {
	recv, srv := newReceiver(t)
	recv.status.Store(http.StatusInternalServerError)
	s, runner, clock, h := setupDelivery(t, srv.URL)
	ctx := context.Background()

	for range webhook.MaxAttempts {
		_, err := runner.Process(ctx)
		require.NoError(t, err)
		clock.Advance(webhook.RetryDelay(webhook.MaxAttempts))
	}

	d := onlyDelivery(t, s, h.ID)
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, webhook.MaxAttempts, d.Attempts)
	assert.Equal(t, webhook.MaxAttempts, recv.count())

	n, err := runner.Process(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunnerFailsDeliveryOfDeletedHook(t *testing.T) {
	recv, srv := newReceiver(t)
	s, runner, _, h := setupDelivery(t, srv.URL)
	require.NoError(t, s.DeleteWebhook(context.Background(), h.ID))

	_, err := runner.Process(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recv.count())
	assert.Equal(t, model.DeliveryFailed, onlyDelivery(t, s, h.ID).Status)
}

func TestRunnerRunDeliversOnNotify(t *testing.T) {
	recv, srv := newReceiver(t)
	s := newTestStore(t)
	runner := webhook.NewRunner(s, discardLogger(), time.Hour)
	svc := webhook.NewService(s, discardLogger(), runner.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	_, err := svc.Subscribe(ctx, "client1", srv.URL, "secret", []string{model.EventBuildStarted})
	require.NoError(t, err)
	require.NoError(t, svc.SendEvent(ctx, model.EventBuildStarted, "client1", finishedPayload))

	require.Eventually(t, func() bool { return recv.count() == 1 }, 5*time.Second, 10*time.Millisecond)
}

// flakyClaims fails every claim after the first.
type flakyClaims struct {
	store.WebhookStore
	claims atomic.Int32
}

func (f *flakyClaims) ClaimWebhookDelivery(ctx context.Context, d *model.WebhookDelivery, until time.Time) error {
	if f.claims.Add(1) > 1 {
		return errors.New("database is locked")
	}
	return f.WebhookStore.ClaimWebhookDelivery(ctx, d, until)
}

func TestRunnerPostsClaimedDeliveriesWhenAClaimFails(t *testing.T) {
	recv, srv := newReceiver(t)
	s := newTestStore(t)
	clock := &manualClock{now: time.Now().UTC().Add(time.Minute)}
	runner := webhook.NewRunner(&flakyClaims{WebhookStore: s}, discardLogger(), time.Hour, webhook.WithClock(clock.Now))
	svc := webhook.NewService(s, discardLogger(), nil)
	ctx := context.Background()

	for _, secret := range []string{"sa", "sb"} {
		_, err := svc.Subscribe(ctx, "client1", srv.URL, secret, []string{model.EventBuildFinished})
		require.NoError(t, err)
	}
	require.NoError(t, svc.SendEvent(ctx, model.EventBuildFinished, "client1", finishedPayload))

	n, err := runner.Process(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, recv.count(), "the delivery claimed before the failure is posted")
}
