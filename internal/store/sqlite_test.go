package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/babel/internal/model"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestEngine() *model.Engine {
	return &model.Engine{
		ID:             model.NewID(),
		Owner:          "client1",
		Type:           "smt",
		SourceLanguage: "es",
		TargetLanguage: "en",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func makeTestBuild(engineID string) *model.Build {
	return &model.Build{
		ID:        model.NewID(),
		EngineRef: engineID,
		Owner:     "client1",
		State:     model.StatePending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetEngine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestEngine()

	if err := s.CreateEngine(ctx, e); err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}

	got, err := s.GetEngine(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEngine: %v", err)
	}
	if got.Type != e.Type {
		t.Errorf("Type = %q, want %q", got.Type, e.Type)
	}
	if got.SourceLanguage != "es" || got.TargetLanguage != "en" {
		t.Errorf("languages = %q/%q, want es/en", got.SourceLanguage, got.TargetLanguage)
	}
	if got.IsBuilding {
		t.Error("IsBuilding = true, want false")
	}
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, e.CreatedAt)
	}
}

func TestCreateEngineDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestEngine()

	if err := s.CreateEngine(ctx, e); err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}
	if err := s.CreateEngine(ctx, e); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second CreateEngine error = %v, want ErrDuplicate", err)
	}
}

func TestGetEngineNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetEngine(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEngine error = %v, want ErrNotFound", err)
	}
}

func TestUpdateEngineRevisionGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestEngine()
	if err := s.CreateEngine(ctx, e); err != nil {
		t.Fatalf("CreateEngine: %v", err)
	}

	stale := *e
	e.IsBuilding = true
	e.CurrentBuildID = "b1"
	if err := s.UpdateEngine(ctx, e); err != nil {
		t.Fatalf("UpdateEngine: %v", err)
	}
	if e.Revision != 1 {
		t.Errorf("Revision = %d, want 1", e.Revision)
	}

	stale.TargetLanguage = "fr"
	if err := s.UpdateEngine(ctx, &stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale UpdateEngine error = %v, want ErrConcurrentModification", err)
	}

	got, _ := s.GetEngine(ctx, e.ID)
	if got.TargetLanguage != "en" || !got.IsBuilding {
		t.Errorf("stored engine = %+v, stale write leaked", got)
	}

	missing := makeTestEngine()
	if err := s.UpdateEngine(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateEngine(missing) error = %v, want ErrNotFound", err)
	}
}

func TestDeleteEngineRemovesBuilds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestEngine()
	s.CreateEngine(ctx, e)
	b := makeTestBuild(e.ID)
	s.CreateBuild(ctx, b)

	if err := s.DeleteEngine(ctx, e.ID); err != nil {
		t.Fatalf("DeleteEngine: %v", err)
	}
	if _, err := s.GetBuild(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBuild after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteEngine(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteEngine error = %v, want ErrNotFound", err)
	}
}

func TestBuildRoundTripAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := makeTestBuild("e1")
	b.Options = []byte(`{"epochs":3}`)

	if err := s.CreateBuild(ctx, b); err != nil {
		t.Fatalf("CreateBuild: %v", err)
	}

	got, err := s.GetBuild(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBuild: %v", err)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("timestamps = %v/%v, want nil", got.StartedAt, got.FinishedAt)
	}
	if string(got.Options) != `{"epochs":3}` {
		t.Errorf("Options = %s, want {\"epochs\":3}", got.Options)
	}

	now := time.Now().UTC().Truncate(time.Second)
	got.State = model.StateActive
	got.PercentCompleted = 0.25
	got.Step = 10
	got.LockID = "lock1"
	got.StartedAt = &now
	if err := s.UpdateBuild(ctx, got); err != nil {
		t.Fatalf("UpdateBuild: %v", err)
	}

	reread, _ := s.GetBuild(ctx, b.ID)
	if reread.State != model.StateActive {
		t.Errorf("State = %q, want %q", reread.State, model.StateActive)
	}
	if reread.PercentCompleted != 0.25 || reread.Step != 10 {
		t.Errorf("progress = %v/%d, want 0.25/10", reread.PercentCompleted, reread.Step)
	}
	if reread.LockID != "lock1" {
		t.Errorf("LockID = %q, want lock1", reread.LockID)
	}
	if reread.StartedAt == nil || !reread.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", reread.StartedAt, now)
	}

	// b still carries revision 0.
	b.State = model.StateCanceled
	if err := s.UpdateBuild(ctx, b); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale UpdateBuild error = %v, want ErrConcurrentModification", err)
	}
}

func TestListBuilds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		b := makeTestBuild("e1")
		b.CreatedAt = b.CreatedAt.Add(time.Duration(i) * time.Second)
		s.CreateBuild(ctx, b)
	}
	s.CreateBuild(ctx, makeTestBuild("e2"))

	builds, err := s.ListBuilds(ctx, "e1")
	if err != nil {
		t.Fatalf("ListBuilds: %v", err)
	}
	if len(builds) != 3 {
		t.Fatalf("len = %d, want 3", len(builds))
	}
	for i := 1; i < len(builds); i++ {
		if builds[i].CreatedAt.Before(builds[i-1].CreatedAt) {
			t.Errorf("builds not ordered by created_at")
		}
	}
}

func TestEnqueueAssignsSequentialIndexes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		idx, err := s.EnqueueOutboxMessage(ctx, "engine:a", model.KindStartBuild, []byte(fmt.Sprintf(`{"n":%d}`, i)))
		if err != nil {
			t.Fatalf("EnqueueOutboxMessage: %v", err)
		}
		if idx != uint64(i) {
			t.Errorf("index = %d, want %d", idx, i)
		}
	}

	// Queues are numbered independently.
	idx, err := s.EnqueueOutboxMessage(ctx, "engine:b", model.KindCreateEngine, []byte(`{}`))
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage: %v", err)
	}
	if idx != 1 {
		t.Errorf("first index of engine:b = %d, want 1", idx)
	}

	o, err := s.GetOutbox(ctx, "engine:a")
	if err != nil {
		t.Fatalf("GetOutbox: %v", err)
	}
	if o.CurrentIndex != 0 {
		t.Errorf("CurrentIndex = %d, want 0", o.CurrentIndex)
	}
}

func TestListOutboxMessagesAfterIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for range 5 {
		s.EnqueueOutboxMessage(ctx, "q", "k", []byte(`{}`))
	}

	msgs, err := s.ListOutboxMessages(ctx, "q", 2, 2)
	if err != nil {
		t.Fatalf("ListOutboxMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Index != 3 || msgs[1].Index != 4 {
		t.Errorf("indexes = %d,%d, want 3,4", msgs[0].Index, msgs[1].Index)
	}
}

func TestAdvanceOutbox(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.EnqueueOutboxMessage(ctx, "q", "k", []byte(`{}`))
	s.EnqueueOutboxMessage(ctx, "q", "k", []byte(`{}`))

	o, _ := s.GetOutbox(ctx, "q")
	stale := *o

	if err := s.AdvanceOutbox(ctx, o, 1); err != nil {
		t.Fatalf("AdvanceOutbox: %v", err)
	}
	if o.CurrentIndex != 1 || o.Revision != 1 {
		t.Errorf("cursor = %+v, want index 1 revision 1", o)
	}

	if err := s.AdvanceOutbox(ctx, &stale, 1); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale AdvanceOutbox error = %v, want ErrConcurrentModification", err)
	}

	// The cursor never moves backwards.
	if err := s.AdvanceOutbox(ctx, o, 1); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("AdvanceOutbox to same index error = %v, want ErrConcurrentModification", err)
	}

	missing := &model.Outbox{ID: "nope"}
	if err := s.AdvanceOutbox(ctx, missing, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("AdvanceOutbox(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListPendingOutboxesAndBacklog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.EnqueueOutboxMessage(ctx, "engine:a", "k", []byte(`{}`))
	s.EnqueueOutboxMessage(ctx, "engine:a", "k", []byte(`{}`))
	s.EnqueueOutboxMessage(ctx, "engine:b", "k", []byte(`{}`))

	b, _ := s.GetOutbox(ctx, "engine:b")
	s.AdvanceOutbox(ctx, b, 1)

	pending, err := s.ListPendingOutboxes(ctx)
	if err != nil {
		t.Fatalf("ListPendingOutboxes: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "engine:a" {
		t.Fatalf("pending = %+v, want only engine:a", pending)
	}

	backlog, err := s.OutboxBacklog(ctx)
	if err != nil {
		t.Fatalf("OutboxBacklog: %v", err)
	}
	if len(backlog) != 1 || backlog[0].Pending != 2 {
		t.Errorf("backlog = %+v, want engine:a with 2 pending", backlog)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestEngine()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateEngine(ctx, e); err != nil {
			return err
		}
		if _, err := tx.EnqueueOutboxMessage(ctx, e.QueueRef(), model.KindCreateEngine, []byte(`{}`)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	if _, err := s.GetEngine(ctx, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("engine survived rollback: %v", err)
	}
	msgs, _ := s.ListOutboxMessages(ctx, e.QueueRef(), 0, 10)
	if len(msgs) != 0 {
		t.Errorf("outbox message survived rollback: %d", len(msgs))
	}
}

func TestInTxCommits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := makeTestEngine()

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateEngine(ctx, e); err != nil {
			return err
		}
		_, err := tx.EnqueueOutboxMessage(ctx, e.QueueRef(), model.KindCreateEngine, []byte(`{}`))
		return err
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	if _, err := s.GetEngine(ctx, e.ID); err != nil {
		t.Errorf("GetEngine after commit: %v", err)
	}
	msgs, _ := s.ListOutboxMessages(ctx, e.QueueRef(), 0, 10)
	if len(msgs) != 1 {
		t.Errorf("outbox messages = %d, want 1", len(msgs))
	}
}

func TestRWLockInsertAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Minute).UTC()

	l := &model.RWLock{
		ID:         "engine-model:e1",
		WriterLock: &model.Lock{ID: "w1", HostID: "build1", ExpiresAt: expires},
	}
	if err := s.InsertRWLock(ctx, l); err != nil {
		t.Fatalf("InsertRWLock: %v", err)
	}
	if err := s.InsertRWLock(ctx, &model.RWLock{ID: l.ID}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second InsertRWLock error = %v, want ErrDuplicate", err)
	}

	got, err := s.GetRWLock(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetRWLock: %v", err)
	}
	if got.WriterLock == nil || got.WriterLock.ID != "w1" {
		t.Fatalf("WriterLock = %+v, want w1", got.WriterLock)
	}
	if !got.WriterLock.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", got.WriterLock.ExpiresAt, expires)
	}

	stale := got.Clone()
	got.WriterLock = nil
	got.ReaderLocks = append(got.ReaderLocks, model.Lock{ID: "r1", HostID: "h", ExpiresAt: expires})
	if err := s.UpdateRWLock(ctx, got); err != nil {
		t.Fatalf("UpdateRWLock: %v", err)
	}
	if got.Revision != 1 {
		t.Errorf("Revision = %d, want 1", got.Revision)
	}

	stale.WriterQueue = append(stale.WriterQueue, model.Lock{ID: "w2"})
	if err := s.UpdateRWLock(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale UpdateRWLock error = %v, want ErrConcurrentModification", err)
	}

	reread, _ := s.GetRWLock(ctx, l.ID)
	if reread.WriterLock != nil || len(reread.ReaderLocks) != 1 || len(reread.WriterQueue) != 0 {
		t.Errorf("stored lock = %+v", reread)
	}
}

func TestGetRWLockNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRWLock(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRWLock error = %v, want ErrNotFound", err)
	}
}

func TestWebhookCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := &model.Webhook{
		ID:        model.NewID(),
		Owner:     "client1",
		URL:       "http://example.test/hook",
		Secret:    "s3cret",
		Events:    []string{model.EventBuildFinished},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateWebhook(ctx, h); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}
	s.CreateWebhook(ctx, &model.Webhook{ID: model.NewID(), Owner: "client2", URL: "u", Events: []string{}, CreatedAt: h.CreatedAt})

	got, err := s.GetWebhook(ctx, h.ID)
	if err != nil {
		t.Fatalf("GetWebhook: %v", err)
	}
	if got.Secret != "s3cret" || !got.Subscribes(model.EventBuildFinished) || got.Subscribes(model.EventBuildStarted) {
		t.Errorf("webhook = %+v", got)
	}

	hooks, err := s.ListWebhooks(ctx, "client1")
	if err != nil {
		t.Fatalf("ListWebhooks: %v", err)
	}
	if len(hooks) != 1 {
		t.Errorf("len = %d, want 1", len(hooks))
	}

	if err := s.DeleteWebhook(ctx, h.ID); err != nil {
		t.Fatalf("DeleteWebhook: %v", err)
	}
	if _, err := s.GetWebhook(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetWebhook after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteWebhook(ctx, h.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteWebhook error = %v, want ErrNotFound", err)
	}
}

func makeTestDelivery(hookID string, due time.Time) *model.WebhookDelivery {
	return &model.WebhookDelivery{
		ID:            model.NewHolderID(),
		HookID:        hookID,
		Event:         model.EventBuildFinished,
		Body:          []byte(`{"event":"BuildFinished","payload":{}}`),
		Status:        model.DeliveryPending,
		NextAttemptAt: due,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestWebhookDeliveryDueAndClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := makeTestDelivery("h1", now.Add(-time.Second))
	later := makeTestDelivery("h1", now.Add(time.Hour))
	for _, d := range []*model.WebhookDelivery{due, later} {
		if err := s.CreateWebhookDelivery(ctx, d); err != nil {
			t.Fatalf("CreateWebhookDelivery: %v", err)
		}
	}

	listed, err := s.ListDueWebhookDeliveries(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueWebhookDeliveries: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != due.ID {
		t.Fatalf("due = %+v, want only %s", listed, due.ID)
	}
	if string(listed[0].Body) != string(due.Body) {
		t.Errorf("Body = %s, want %s", listed[0].Body, due.Body)
	}

	other := *listed[0]
	if err := s.ClaimWebhookDelivery(ctx, listed[0], now.Add(30*time.Second)); err != nil {
		t.Fatalf("ClaimWebhookDelivery: %v", err)
	}
	if err := s.ClaimWebhookDelivery(ctx, &other, now.Add(30*time.Second)); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("second claim error = %v, want ErrConcurrentModification", err)
	}

	listed, _ = s.ListDueWebhookDeliveries(ctx, now, 10)
	if len(listed) != 0 {
		t.Errorf("claimed delivery still due: %+v", listed)
	}
}

func TestUpdateWebhookDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := makeTestDelivery("h1", time.Now())
	s.CreateWebhookDelivery(ctx, d)

	d.Status = model.DeliveryDelivered
	d.Attempts = 1
	d.LastStatus = 204
	if err := s.UpdateWebhookDelivery(ctx, d); err != nil {
		t.Fatalf("UpdateWebhookDelivery: %v", err)
	}

	all, err := s.ListWebhookDeliveries(ctx, "h1")
	if err != nil {
		t.Fatalf("ListWebhookDeliveries: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("len = %d, want 1", len(all))
	}
	if all[0].Status != model.DeliveryDelivered || all[0].Attempts != 1 || all[0].LastStatus != 204 {
		t.Errorf("delivery = %+v", all[0])
	}

	missing := makeTestDelivery("h1", time.Now())
	if err := s.UpdateWebhookDelivery(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateWebhookDelivery(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentEnqueueOnFileDatabase(t *testing.T) {
	s, err := NewSQLiteStore(t.TempDir() + "/babel.db")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	indexes := make(chan uint64, n)
	for range n {
		wg.Go(func() {
			for attempt := 0; attempt < 200; attempt++ {
				var idx uint64
				err := s.InTx(ctx, func(tx Tx) error {
					var err error
					idx, err = tx.EnqueueOutboxMessage(ctx, "q", "k", []byte(`{}`))
					return err
				})
				if errors.Is(err, ErrDuplicate) {
					continue
				}
				if err != nil {
					// SQLITE_BUSY under contention is retried as well.
					time.Sleep(5 * time.Millisecond)
					continue
				}
				indexes <- idx
				return
			}
			t.Error("enqueue never succeeded")
		})
	}
	wg.Wait()
	close(indexes)

	seen := make(map[uint64]bool)
	for idx := range indexes {
		if seen[idx] {
			t.Errorf("index %d assigned twice", idx)
		}
		seen[idx] = true
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Errorf("index %d never assigned", i)
		}
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name  string
		d     dialect
		query string
		want  string
	}{
		{"sqlite untouched", sqliteDialect, "SELECT 1 WHERE a = ? AND b = ?", "SELECT 1 WHERE a = ? AND b = ?"},
		{"postgres numbered", postgresDialect, "SELECT 1 WHERE a = ? AND b = ?", "SELECT 1 WHERE a = $1 AND b = $2"},
		{"no params", postgresDialect, "SELECT 1", "SELECT 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.rebind(tt.query); got != tt.want {
				t.Errorf("rebind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPostgresSchemaTypes(t *testing.T) {
	stmt := postgresDialect.types.Replace(schema[1])
	for _, want := range []string{"TIMESTAMPTZ", "BYTEA", "DOUBLE PRECISION"} {
		if !strings.Contains(stmt, want) {
			t.Errorf("postgres builds schema missing %s:\n%s", want, stmt)
		}
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("mysql", "dsn"); err == nil {
		t.Error("Open(mysql) succeeded, want error")
	}
}
