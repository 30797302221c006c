package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(baseURL string) *Client {
	return NewClient(Config{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
	}, nil, nil)
}

func TestSendChunk_ReturnsTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/chunk" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("sessionId"); got != "sess-1" {
			t.Errorf("expected sessionId sess-1, got %q", got)
		}
		w.Write([]byte(`{"transcript":"hello world"}`))
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).SendChunk(context.Background(), "sess-1", "audio/webm", 1, []byte("audio"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello world" {
		t.Errorf("expected transcript, got %q", got)
	}
}

func TestSendChunk_EmptyTranscriptIsNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	got, err := testClient(srv.URL).SendChunk(context.Background(), "sess-1", "audio/webm", 1, []byte("audio"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty transcript, got %q", got)
	}
}

func TestSendChunk_RetryCeilingOnSustained408(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SendChunk(context.Background(), "sess-1", "audio/webm", 1, []byte("audio"))
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := KindOf(err); kind != KindTimeout {
		t.Errorf("expected KindTimeout, got %q", kind)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts (retry ceiling 2), got %d", n)
	}
}

func TestSendChunk_StreamResetReinitsOnceThenRetries(t *testing.T) {
	var starts, chunks int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			atomic.AddInt32(&starts, 1)
			w.WriteHeader(http.StatusOK)
		case "/chunk":
			if atomic.AddInt32(&chunks, 1) == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.Write([]byte(`{"transcript":"recovered"}`))
		}
	}))
	defer srv.Close()

	rec := &countingMetrics{}
	client := NewClient(Config{BaseURL: srv.URL, BackoffBase: time.Millisecond}, rec, nil)
	got, err := client.SendChunk(context.Background(), "sess-1", "audio/webm", 7, []byte("audio"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "recovered" {
		t.Errorf("expected recovered transcript, got %q", got)
	}
	if n := atomic.LoadInt32(&starts); n != 1 {
		t.Errorf("expected exactly 1 reinit, got %d", n)
	}
	if rec.reconnects != 1 {
		t.Errorf("expected 1 reconnect counted, got %d", rec.reconnects)
	}
	if rec.timeouts != 0 {
		t.Errorf("409 must not count as a timeout, got %d", rec.timeouts)
	}
}

func TestSendChunk_FailedReinitStopsRetrying(t *testing.T) {
	var chunks int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			w.WriteHeader(http.StatusInternalServerError)
		case "/chunk":
			atomic.AddInt32(&chunks, 1)
			w.WriteHeader(http.StatusConflict)
		}
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SendChunk(context.Background(), "sess-1", "audio/webm", 1, []byte("audio"))
	if err == nil {
		t.Fatal("expected error")
	}
	if n := atomic.LoadInt32(&chunks); n != 1 {
		t.Errorf("expected no chunk retries after failed reinit, got %d attempts", n)
	}
}

func TestSendChunk_ValidationNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SendChunk(context.Background(), "sess-1", "audio/webm", 1, []byte("audio"))
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := KindOf(err); kind != KindValidation {
		t.Errorf("expected KindValidation, got %q", kind)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected 1 attempt for validation failure, got %d", n)
	}
}

func TestFinalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/finalize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"transcript":"final text","confidence":0.93,"processing_time_ms":420}`))
	}))
	defer srv.Close()

	res, err := testClient(srv.URL).Finalize(context.Background(), "sess-1", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Transcript != "final text" || res.Confidence != 0.93 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusConflict, KindStreamReset},
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusForbidden, KindAuthExpired},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusInternalServerError, KindRemoteUnavailable},
		{http.StatusBadGateway, KindRemoteUnavailable},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got.Kind != tt.kind {
			t.Errorf("status %d: expected %q, got %q", tt.status, tt.kind, got.Kind)
		}
	}
}

type countingMetrics struct {
	attempts   int
	timeouts   int
	reconnects int
}

func (m *countingMetrics) ChunkAttempt(int, time.Time) { m.attempts++ }
func (m *countingMetrics) ChunkLatency(time.Duration)  {}
func (m *countingMetrics) Timeout()                    { m.timeouts++ }
func (m *countingMetrics) Reconnect()                  { m.reconnects++ }
