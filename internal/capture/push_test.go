package capture

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPushSource_SupportsDeclaredFormats(t *testing.T) {
	src := NewPushSource("audio/webm;codecs=opus", "audio/webm")
	if !src.Supports("audio/webm") || !src.Supports("AUDIO/WEBM") {
		t.Error("declared formats must be supported case-insensitively")
	}
	if src.Supports("video/mp4") {
		t.Error("undeclared format must not be supported")
	}
}

func TestPushSource_DeliversPushedChunks(t *testing.T) {
	src := NewPushSource("audio/webm")
	ch, err := src.Start(context.Background(), "audio/webm", time.Second)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := src.Push(context.Background(), []byte("one")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := src.Push(context.Background(), []byte("two")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-ch:
			if string(got) != want {
				t.Errorf("expected chunk %q, got %q", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("chunk not delivered")
		}
	}
}

func TestPushSource_StopClosesChannelAndDrainsTail(t *testing.T) {
	src := NewPushSource("audio/webm")
	ch, _ := src.Start(context.Background(), "audio/webm", time.Second)

	if err := src.Push(context.Background(), []byte("tail")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Idempotent.
	if err := src.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	var got []string
	deadline := time.After(time.Second)
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				if len(got) != 1 || got[0] != "tail" {
					t.Errorf("expected tail chunk before close, got %v", got)
				}
				return
			}
			got = append(got, string(b))
		case <-deadline:
			t.Fatal("channel not closed after Stop")
		}
	}
}

func TestPushSource_PushAfterStop(t *testing.T) {
	src := NewPushSource("audio/webm")
	_ = src.Stop()
	if err := src.Push(context.Background(), []byte("late")); !errors.Is(err, ErrSourceClosed) {
		t.Fatalf("expected ErrSourceClosed, got %v", err)
	}
}
