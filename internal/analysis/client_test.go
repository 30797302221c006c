package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wingman-interview/pipeline/internal/auth"
)

type fakeCreds struct {
	invalidated atomic.Int64

	// failAfterInvalidate simulates a credential chain whose refresh fails:
	// once invalidated, no credentials can be produced.
	failAfterInvalidate bool
}

func (f *fakeCreds) Credentials(context.Context) (auth.Credentials, error) {
	if f.failAfterInvalidate && f.invalidated.Load() > 0 {
		return auth.Credentials{}, auth.ErrAuthUnavailable
	}
	return auth.Credentials{Scheme: auth.SchemeBearer, Token: "tok"}, nil
}

func (f *fakeCreds) Invalidate() { f.invalidated.Add(1) }

func newTestClient(baseURL string, creds CredentialSource) *Client {
	return NewClient(Config{
		BaseURL:        baseURL,
		TriggerRetries: 3,
		TriggerDelay:   time.Millisecond,
	}, creds, nil)
}

func TestTrigger_PostsComprehensiveRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer credentials")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL, &fakeCreds{}).Trigger(context.Background(), "sess-1", "s3://bucket/seg-0.webm", 0); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got["analysisType"] != "comprehensive" {
		t.Errorf("expected comprehensive analysis type, got %v", got["analysisType"])
	}
	if got["videoUri"] != "s3://bucket/seg-0.webm" || got["sessionId"] != "sess-1" {
		t.Errorf("unexpected trigger payload %v", got)
	}
}

func TestTrigger_RefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	creds := &fakeCreds{}
	if err := newTestClient(srv.URL, creds).Trigger(context.Background(), "sess-1", "uri", 0); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if creds.invalidated.Load() != 1 {
		t.Errorf("expected exactly one credential refresh, got %d", creds.invalidated.Load())
	}
}

func TestTrigger_PersistentUnauthorizedIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL, &fakeCreds{}).Trigger(context.Background(), "sess-1", "uri", 0)
	if !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("expected ErrAuthenticationExpired, got %v", err)
	}
}

func TestTrigger_FailedRefreshAbortsImmediately(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	// The hour-long delay makes any retry after the failed refresh hang the
	// test; an immediate abort is the only way it passes.
	creds := &fakeCreds{failAfterInvalidate: true}
	client := NewClient(Config{
		BaseURL:        srv.URL,
		TriggerRetries: 3,
		TriggerDelay:   time.Hour,
	}, creds, nil)

	err := client.Trigger(context.Background(), "sess-1", "uri", 0)
	if !errors.Is(err, ErrAuthenticationExpired) {
		t.Fatalf("expected ErrAuthenticationExpired, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single request before aborting, got %d", calls.Load())
	}
	if creds.invalidated.Load() != 1 {
		t.Errorf("expected exactly one invalidation, got %d", creds.invalidated.Load())
	}
}

func TestTrigger_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL, &fakeCreds{}).Trigger(context.Background(), "sess-1", "uri", 0); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestTrigger_ExhaustedRetriesFail(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL, &fakeCreds{}).Trigger(context.Background(), "sess-1", "uri", 0); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestListSegments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sessionId") != "sess-1" {
			t.Errorf("missing sessionId query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"segments":[
			{"segment_index":0,"status":"completed","results":{"overall_score":0.8}},
			{"segment_index":1,"status":"pending"}
		]}`))
	}))
	defer srv.Close()

	segs, err := newTestClient(srv.URL, &fakeCreds{}).ListSegments(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segs))
	}
	if !segs[0].HasResults() || segs[1].HasResults() {
		t.Errorf("unexpected result presence: %v / %v", segs[0].HasResults(), segs[1].HasResults())
	}
}
