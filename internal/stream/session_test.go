package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wingman-interview/pipeline/internal/models"
)

type fakeSource struct {
	formats  map[string]bool
	ch       chan []byte
	startErr error

	stopOnce sync.Once
	stopped  bool
}

func newFakeSource(formats ...string) *fakeSource {
	m := make(map[string]bool, len(formats))
	for _, f := range formats {
		m[f] = true
	}
	return &fakeSource{formats: m, ch: make(chan []byte, 16)}
}

func (f *fakeSource) Supports(mimeType string) bool { return f.formats[mimeType] }

func (f *fakeSource) Start(context.Context, string, time.Duration) (<-chan []byte, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.ch, nil
}

func (f *fakeSource) Stop() error {
	f.stopOnce.Do(func() {
		f.stopped = true
		close(f.ch)
	})
	return nil
}

type fakeSender struct {
	mu          sync.Mutex
	started     int
	sent        []int64
	transcripts map[int64]string
	startErr    error
	sendErr     error
}

func (f *fakeSender) StartStream(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeSender) SendChunk(_ context.Context, _, _ string, seq int64, _ []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, seq)
	return f.transcripts[seq], nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeReconciler struct {
	mu        sync.Mutex
	cached    map[int64]string
	finalized int
	interim   string
	result    models.FinalTranscriptionResult
}

func (f *fakeReconciler) CacheFragment(_ context.Context, _ string, seq int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cached == nil {
		f.cached = make(map[int64]string)
	}
	f.cached[seq] = text
}

func (f *fakeReconciler) Finalize(_ context.Context, _ string, interim string) models.FinalTranscriptionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	f.interim = interim
	return f.result
}

type eventLog struct {
	mu       sync.Mutex
	states   []models.SessionStatus
	interims []string
	metrics  int
}

func (e *eventLog) OnInterim(_, transcript string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interims = append(e.interims, transcript)
}

func (e *eventLog) OnMetrics(string, models.PerformanceMetrics) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics++
}

func (e *eventLog) OnStateChange(_ string, status models.SessionStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = append(e.states, status)
}

func (e *eventLog) stateSeq() []models.SessionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.SessionStatus, len(e.states))
	copy(out, e.states)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func testConfig() Config {
	return Config{
		ChunkInterval: 10 * time.Millisecond,
		StopGrace:     5 * time.Millisecond,
		MediaFormats:  []string{"audio/webm;codecs=opus", "audio/webm"},
	}
}

func TestSession_StartNegotiatesPreferredFormat(t *testing.T) {
	source := newFakeSource("audio/webm")
	sender := &fakeSender{}
	sess := NewSession("s-1", source, sender, &fakeReconciler{}, NopEvents{}, testConfig(), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sess.MediaFormat(); got != "audio/webm" {
		t.Errorf("expected first supported format, got %q", got)
	}
	if sess.Status() != models.SessionStreaming {
		t.Errorf("expected streaming, got %s", sess.Status())
	}
	if sender.started != 1 {
		t.Errorf("expected one recognizer stream start, got %d", sender.started)
	}
}

func TestSession_StartNoSupportedFormat(t *testing.T) {
	source := newFakeSource("video/mp4")
	sess := NewSession("s-1", source, &fakeSender{}, &fakeReconciler{}, NopEvents{}, testConfig(), nil)

	err := sess.Start(context.Background())
	if !errors.Is(err, ErrNoSupportedFormat) {
		t.Fatalf("expected ErrNoSupportedFormat, got %v", err)
	}
	if sess.Status() != models.SessionError {
		t.Errorf("expected error state, got %s", sess.Status())
	}
}

func TestSession_StartStreamFailureMovesToError(t *testing.T) {
	source := newFakeSource("audio/webm")
	sender := &fakeSender{startErr: errors.New("recognizer down")}
	sess := NewSession("s-1", source, sender, &fakeReconciler{}, NopEvents{}, testConfig(), nil)

	if err := sess.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if sess.Status() != models.SessionError {
		t.Errorf("expected error state, got %s", sess.Status())
	}
}

func TestSession_StartFromNonIdleRejected(t *testing.T) {
	source := newFakeSource("audio/webm")
	sess := NewSession("s-1", source, &fakeSender{}, &fakeReconciler{}, NopEvents{}, testConfig(), nil)
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Start(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSession_ChunksMergeIntoInterim(t *testing.T) {
	source := newFakeSource("audio/webm")
	sender := &fakeSender{transcripts: map[int64]string{1: "tell me", 2: "tell me about"}}
	rec := &fakeReconciler{}
	events := &eventLog{}
	sess := NewSession("s-1", source, sender, rec, events, testConfig(), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	source.ch <- []byte("chunk-one")
	waitFor(t, func() bool { return sess.Interim() == "tell me" })
	source.ch <- []byte("chunk-two")
	waitFor(t, func() bool { return sess.Interim() == "tell me about" })

	m := sess.Metrics()
	if m.ChunksSent != 2 {
		t.Errorf("expected 2 chunks sent, got %d", m.ChunksSent)
	}
	if m.BytesProcessed != int64(len("chunk-one")+len("chunk-two")) {
		t.Errorf("unexpected bytes processed: %d", m.BytesProcessed)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.cached[1] != "tell me" || rec.cached[2] != "tell me about" {
		t.Errorf("expected fragments cached for recovery, got %v", rec.cached)
	}
}

func TestSession_SendFailureRecordedNotFatal(t *testing.T) {
	source := newFakeSource("audio/webm")
	sender := &fakeSender{sendErr: errors.New("network down")}
	sess := NewSession("s-1", source, sender, &fakeReconciler{}, NopEvents{}, testConfig(), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	source.ch <- []byte("lost chunk")
	waitFor(t, func() bool {
		chunks := sess.Chunks()
		return len(chunks) == 1 && chunks[0].Error != ""
	})

	if sess.Status() != models.SessionStreaming {
		t.Errorf("a failed send must not change session state, got %s", sess.Status())
	}
	if sess.Interim() != "" {
		t.Errorf("failed send must not contribute interim text, got %q", sess.Interim())
	}
}

func TestSession_StopFinalizesOnce(t *testing.T) {
	source := newFakeSource("audio/webm")
	sender := &fakeSender{transcripts: map[int64]string{1: "final words"}}
	rec := &fakeReconciler{result: models.FinalTranscriptionResult{Text: "final words indeed", Confidence: 0.8}}
	events := &eventLog{}
	sess := NewSession("s-1", source, sender, rec, events, testConfig(), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	source.ch <- []byte("chunk")
	waitFor(t, func() bool { return sender.sentCount() == 1 })
	waitFor(t, func() bool { return sess.Interim() == "final words" })

	res, err := sess.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if res.Text != "final words indeed" {
		t.Errorf("unexpected final text %q", res.Text)
	}
	if sess.Status() != models.SessionCompleted {
		t.Errorf("expected completed, got %s", sess.Status())
	}
	if rec.finalized != 1 {
		t.Errorf("finalize must run exactly once, ran %d times", rec.finalized)
	}
	if rec.interim != "final words" {
		t.Errorf("finalize must receive the interim accumulator, got %q", rec.interim)
	}
	if !source.stopped {
		t.Error("capture source must be stopped")
	}

	if _, err := sess.Stop(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second stop must be rejected, got %v", err)
	}

	got, ok := sess.Result()
	if !ok || got.Text != "final words indeed" {
		t.Errorf("expected cached result, got %+v ok=%v", got, ok)
	}

	states := events.stateSeq()
	want := []models.SessionStatus{models.SessionStreaming, models.SessionProcessing, models.SessionCompleted}
	if len(states) != len(want) {
		t.Fatalf("expected state sequence %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected state sequence %v, got %v", want, states)
		}
	}
}

func TestSession_StopFromIdleRejected(t *testing.T) {
	source := newFakeSource("audio/webm")
	sess := NewSession("s-1", source, &fakeSender{}, &fakeReconciler{}, NopEvents{}, testConfig(), nil)
	if _, err := sess.Stop(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestSession_DisposeDiscardsInFlightResults(t *testing.T) {
	source := newFakeSource("audio/webm")
	sender := &fakeSender{transcripts: map[int64]string{1: "late text"}}
	rec := &fakeReconciler{}
	sess := NewSession("s-1", source, sender, rec, &eventLog{}, testConfig(), nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.Dispose()
	if !source.stopped {
		t.Error("dispose must stop the capture source")
	}

	// Disposal is idempotent.
	sess.Dispose()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.finalized != 0 {
		t.Error("dispose must not finalize")
	}
}

func TestManager_AddGetRemove(t *testing.T) {
	m := NewManager()
	source := newFakeSource("audio/webm")
	sess := NewSession("s-1", source, &fakeSender{}, &fakeReconciler{}, NopEvents{}, testConfig(), nil)

	m.Add(sess)
	if got, ok := m.Get("s-1"); !ok || got != sess {
		t.Fatal("expected registered session")
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Len())
	}

	m.Remove("s-1")
	if _, ok := m.Get("s-1"); ok {
		t.Fatal("expected session removed")
	}
	if !source.stopped {
		t.Error("remove must dispose the session")
	}
}

func TestNegotiateFormat_OrderedPreference(t *testing.T) {
	source := newFakeSource("audio/webm", "audio/ogg;codecs=opus")
	got, err := NegotiateFormat(source, []string{"audio/webm;codecs=opus", "audio/webm", "audio/ogg;codecs=opus"})
	if err != nil {
		t.Fatalf("NegotiateFormat: %v", err)
	}
	if got != "audio/webm" {
		t.Errorf("expected highest-priority supported format, got %q", got)
	}
}
