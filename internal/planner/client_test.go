package planner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/itskum47/tasksync/internal/token"
)

type fakeTokens struct{ tok string }

func (f *fakeTokens) TokenForOperation(ctx context.Context, op token.OpClass) (string, error) {
	return f.tok, nil
}

func (f *fakeTokens) TokenFor(ctx context.Context, kind token.Kind) (string, error) {
	return f.tok, nil
}

// kindAwareTokens hands back a distinct token per credential kind, so
// tests can assert which kind a request actually carried.
type kindAwareTokens struct{ delegated, application string }

func (k *kindAwareTokens) TokenForOperation(ctx context.Context, op token.OpClass) (string, error) {
	return k.TokenFor(ctx, token.KindForOperation(op))
}

func (k *kindAwareTokens) TokenFor(ctx context.Context, kind token.Kind) (string, error) {
	if kind == token.KindApplication {
		return k.application, nil
	}
	return k.delegated, nil
}

func TestGetTaskHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("ETag", `W/"abc"`)
		w.Write([]byte(`{"id":"t1","title":"Draft","percentComplete":10}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{tok: "secret"}, 100, 10)
	rt, err := c.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rt.Title != "Draft" || rt.PercentComplete != 10 {
		t.Fatalf("unexpected task: %+v", rt)
	}
	if rt.ETag != `W/"abc"` {
		t.Fatalf("ETag = %q, want W/\"abc\"", rt.ETag)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{tok: "secret"}, 100, 10, WithMaxAttempts(1))
	_, err := c.GetTask(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
}

func TestGetTaskIfChangedReturnsNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `W/"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `W/"abc"`)
		w.Write([]byte(`{"id":"t1","title":"Draft"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{tok: "secret"}, 100, 10, WithMaxAttempts(1))
	rt, err := c.GetTaskIfChanged(context.Background(), "t1", "")
	if err != nil {
		t.Fatalf("unconditional fetch: %v", err)
	}
	if _, err := c.GetTaskIfChanged(context.Background(), "t1", rt.ETag); !IsNotModified(err) {
		t.Fatalf("err = %v, want ErrNotModified", err)
	}
}

func TestPatchTaskPreconditionFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Match") == "" {
			t.Error("expected If-Match header on conditional PATCH")
		}
		http.Error(w, "precondition failed", http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{tok: "secret"}, 100, 10, WithMaxAttempts(1))
	_, err := c.PatchTask(context.Background(), "t1", map[string]any{"title": "x"}, `W/"stale"`)
	if !IsPreconditionFailed(err) {
		t.Fatalf("err = %v, want 412 StatusError", err)
	}
}

func TestRetriesServerErrorThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			http.Error(w, "boom", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"t1","title":"Draft"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &fakeTokens{tok: "secret"}, 100, 10, WithMaxAttempts(3))
	if _, err := c.GetTask(context.Background(), "t1"); err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestForbiddenFallsBackToAlternateKindOnce(t *testing.T) {
	var authHeaders []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeaders = append(authHeaders, r.Header.Get("Authorization"))
		if r.Header.Get("Authorization") == "Bearer delegated-tok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Write([]byte(`{"id":"t1","title":"Draft"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &kindAwareTokens{delegated: "delegated-tok", application: "app-tok"}, 100, 10, WithMaxAttempts(2))
	rt, err := c.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if rt.Title != "Draft" {
		t.Fatalf("unexpected task: %+v", rt)
	}
	if len(authHeaders) != 2 || authHeaders[0] != "Bearer delegated-tok" || authHeaders[1] != "Bearer app-tok" {
		t.Fatalf("auth headers = %v, want [delegated, application]", authHeaders)
	}
}

func TestForbiddenFromBothKindsFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, &kindAwareTokens{delegated: "d", application: "a"}, 100, 10, WithMaxAttempts(2))
	_, err := c.GetTask(context.Background(), "t1")
	if !IsForbidden(err) {
		t.Fatalf("err = %v, want 403 StatusError", err)
	}
}

func TestOpClassForResource(t *testing.T) {
	cases := map[string]token.OpClass{
		"chats/19:abc/messages": token.OpClassChatSubscription,
		"teams/t1/channels/c1": token.OpClassChannelSubscription,
		"me/planner/tasks": token.OpClassTask,
	}
	for resource, want := range cases {
		if got := opClassFor(resource); got != want {
			t.Errorf("opClassFor(%q) = %s, want %s", resource, got, want)
		}
	}
}
