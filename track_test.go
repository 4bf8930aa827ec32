package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewTrackDefaults(t *testing.T) {
	tr := NewTrack("", "https://example.com/watch?v=1", "https://cdn.example.com/a.webm", -5)
	if tr.Title != UnknownTitle {
		t.Errorf("Title = %q, want %q", tr.Title, UnknownTitle)
	}
	if tr.Duration != 0 {
		t.Errorf("Duration = %d, want 0", tr.Duration)
	}
}

func TestDurationString(t *testing.T) {
	tests := []struct {
		name     string
		duration int
		want     string
	}{
		{"unknown", 0, ""},
		{"negative", -10, ""},
		{"seconds only", 5, " [0:05]"},
		{"over a minute", 65, " [1:05]"},
		{"two minutes five", 125, " [2:05]"},
		{"exact minute", 180, " [3:00]"},
		{"over an hour", 3725, " [62:05]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &Track{Title: "x", Duration: tt.duration}
			if got := tr.DurationString(); got != tt.want {
				t.Errorf("DurationString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueueFIFO(t *testing.T) {
	q := newTrackQueue()
	q.Put(&Track{Title: "a"})
	q.Put(&Track{Title: "b"})
	q.Put(&Track{Title: "c"})

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		tr, err := q.Next(ctx, time.Second)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if tr.Title != want {
			t.Errorf("Next() = %q, want %q", tr.Title, want)
		}
	}
}

func TestQueueNextIdleTimeout(t *testing.T) {
	q := newTrackQueue()
	start := time.Now()
	_, err := q.Next(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, errQueueIdle) {
		t.Fatalf("Next() error = %v, want errQueueIdle", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Next() returned after %v, want at least the idle timeout", elapsed)
	}
}

func TestQueueNextContextCancel(t *testing.T) {
	q := newTrackQueue()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.Next(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() error = %v, want context.Canceled", err)
	}
}

func TestQueuePutWakesBlockedNext(t *testing.T) {
	q := newTrackQueue()
	got := make(chan *Track, 1)
	go func() {
		tr, err := q.Next(context.Background(), time.Minute)
		if err != nil {
			t.Errorf("Next() error = %v", err)
		}
		got <- tr
	}()

	time.Sleep(10 * time.Millisecond)
	q.Put(&Track{Title: "late"})

	select {
	case tr := <-got:
		if tr.Title != "late" {
			t.Errorf("Next() = %q, want %q", tr.Title, "late")
		}
	case <-time.After(time.Second):
		t.Fatal("Next() did not wake after Put")
	}
}

func TestQueueSnapshot(t *testing.T) {
	q := newTrackQueue()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		q.Put(&Track{Title: name})
	}

	tracks, remainder := q.Snapshot(3)
	if len(tracks) != 3 || remainder != 2 {
		t.Fatalf("Snapshot(3) = %d tracks, %d remainder, want 3 and 2", len(tracks), remainder)
	}
	if tracks[0].Title != "a" || tracks[2].Title != "c" {
		t.Errorf("Snapshot order wrong: got %q..%q", tracks[0].Title, tracks[2].Title)
	}

	// Snapshot must not consume.
	if q.Len() != 5 {
		t.Errorf("Len() = %d after Snapshot, want 5", q.Len())
	}

	tracks, remainder = q.Snapshot(10)
	if len(tracks) != 5 || remainder != 0 {
		t.Errorf("Snapshot(10) = %d tracks, %d remainder, want 5 and 0", len(tracks), remainder)
	}
}

func TestQueueClear(t *testing.T) {
	q := newTrackQueue()
	q.Put(&Track{Title: "a"})
	q.Put(&Track{Title: "b"})
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", q.Len())
	}
}
