package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/seantiz/babel/internal/model"
)

func (e *testEnv) createEngine(t *testing.T) *model.Engine {
	t.Helper()
	var eng model.Engine
	code := e.do(t, "POST", "/v1/engines", createEngineRequest{
		Owner:          "client1",
		Type:           "echo",
		SourceLanguage: "es",
		TargetLanguage: "en",
	}, &eng)
	if code != http.StatusCreated {
		t.Fatalf("create engine status = %d, want 201", code)
	}
	return &eng
}

// dispatch delivers every pending outbox message.
func (e *testEnv) dispatch(t *testing.T) {
	t.Helper()
	if err := e.outbox.Dispatch(context.Background()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestCreateEngineEnqueuesCommand(t *testing.T) {
	env := newTestEnv(t, 0)
	eng := env.createEngine(t)

	if len(eng.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(eng.ID))
	}
	if eng.IsBuilding {
		t.Error("new engine must not be building")
	}

	var backlog outboxResponse
	env.do(t, "GET", "/v1/outbox", nil, &backlog)
	if backlog.Pending != 1 || len(backlog.Queues) != 1 || backlog.Queues[0].OutboxRef != "engine:"+eng.ID {
		t.Fatalf("backlog = %+v, want one CreateEngine on engine:%s", backlog, eng.ID)
	}

	env.dispatch(t)

	cfg, ok := env.engine.Engine(eng.ID)
	if !ok {
		t.Fatal("engine was not created on the backend")
	}
	if cfg.Owner != "client1" || cfg.TargetLanguage != "en" {
		t.Errorf("backend config = %+v", cfg)
	}

	env.do(t, "GET", "/v1/outbox", nil, &backlog)
	if backlog.Pending != 0 {
		t.Errorf("pending = %d after dispatch, want 0", backlog.Pending)
	}
}

func TestCreateEngineValidation(t *testing.T) {
	env := newTestEnv(t, 0)

	tests := []struct {
		name string
		body any
		want string
	}{
		{"missing owner", createEngineRequest{Type: "echo", SourceLanguage: "es", TargetLanguage: "en"}, "owner"},
		{"missing type", createEngineRequest{Owner: "c", SourceLanguage: "es", TargetLanguage: "en"}, "type"},
		{"missing language", createEngineRequest{Owner: "c", Type: "echo", SourceLanguage: "es"}, "language"},
		{"unknown type", createEngineRequest{Owner: "c", Type: "smt", SourceLanguage: "es", TargetLanguage: "en"}, "unknown engine type"},
		{"not json", "{", "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp map[string]string
			if code := env.do(t, "POST", "/v1/engines", tt.body, &resp); code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", code)
			}
			if !strings.Contains(resp["error"], tt.want) {
				t.Errorf("error = %q, want it to mention %q", resp["error"], tt.want)
			}
		})
	}
}

func TestGetEngine(t *testing.T) {
	env := newTestEnv(t, 0)
	created := env.createEngine(t)

	var got model.Engine
	if code := env.do(t, "GET", "/v1/engines/"+created.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if got.ID != created.ID || got.Owner != "client1" {
		t.Errorf("engine = %+v", got)
	}

	var resp map[string]string
	if code := env.do(t, "GET", "/v1/engines/nonexistent", nil, &resp); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
	if resp["error"] != "engine not found" {
		t.Errorf("error = %q", resp["error"])
	}
}

func TestUpdateEngine(t *testing.T) {
	env := newTestEnv(t, 0)
	eng := env.createEngine(t)

	target := "fr"
	var updated model.Engine
	code := env.do(t, "PUT", "/v1/engines/"+eng.ID, updateEngineRequest{TargetLanguage: &target}, &updated)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if updated.TargetLanguage != "fr" || updated.SourceLanguage != "es" {
		t.Errorf("languages = %s->%s, want es->fr", updated.SourceLanguage, updated.TargetLanguage)
	}
	if updated.Revision <= eng.Revision {
		t.Errorf("revision = %d, want > %d", updated.Revision, eng.Revision)
	}

	// Create and update are delivered in order on the engine's queue.
	env.dispatch(t)
	cfg, _ := env.engine.Engine(eng.ID)
	if cfg.TargetLanguage != "fr" {
		t.Errorf("backend target language = %q, want fr", cfg.TargetLanguage)
	}

	empty := ""
	if code := env.do(t, "PUT", "/v1/engines/"+eng.ID, updateEngineRequest{SourceLanguage: &empty}, nil); code != http.StatusBadRequest {
		t.Errorf("empty language status = %d, want 400", code)
	}
	if code := env.do(t, "PUT", "/v1/engines/nonexistent", updateEngineRequest{TargetLanguage: &target}, nil); code != http.StatusNotFound {
		t.Errorf("unknown engine status = %d, want 404", code)
	}
}

func TestDeleteEngine(t *testing.T) {
	env := newTestEnv(t, 0)
	eng := env.createEngine(t)
	env.dispatch(t)

	if code := env.do(t, "DELETE", "/v1/engines/"+eng.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", code)
	}
	if code := env.do(t, "GET", "/v1/engines/"+eng.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", code)
	}

	env.dispatch(t)
	if _, ok := env.engine.Engine(eng.ID); ok {
		t.Error("engine still exists on the backend")
	}

	if code := env.do(t, "DELETE", "/v1/engines/"+eng.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", code)
	}
}

func TestDeleteBuildingEngineReleasesLock(t *testing.T) {
	env := newTestEnv(t, 0)
	eng := env.createEngine(t)
	env.dispatch(t)

	var b model.Build
	env.do(t, "POST", "/v1/engines/"+eng.ID+"/builds", nil, &b)
	if code := env.do(t, "POST", "/v1/builds/"+b.ID+"/started", nil, nil); code != http.StatusOK {
		t.Fatalf("started status = %d, want 200", code)
	}

	if code := env.do(t, "DELETE", "/v1/engines/"+eng.ID, nil, nil); code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", code)
	}
	if code := env.do(t, "GET", "/v1/builds/"+b.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("build of deleted engine status = %d, want 404", code)
	}

	rw, err := env.srv.locks.Get(context.Background(), model.EngineResourceID(eng.ID))
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if rw.WriterLock != nil {
		t.Errorf("write lock %s still held after delete", rw.WriterLock.ID)
	}
}
