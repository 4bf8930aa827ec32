package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

const testGuildID = snowflake.ID(123456789012345678)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func startTestPlayer(play playFunc, notify func(string, ...any), idle time.Duration) *GuildPlayer {
	if notify == nil {
		notify = func(string, ...any) {}
	}
	p := NewGuildPlayer(testGuildID, 50, idle, play, notify, nil)
	go p.run()
	return p
}

func TestPlayerPlaysInOrder(t *testing.T) {
	played := make(chan string, 10)
	play := func(ctx context.Context, tr *Track, ctrl *playbackControl) error {
		played <- tr.Title
		return nil
	}
	p := startTestPlayer(play, nil, time.Minute)
	defer p.Destroy()

	p.Enqueue(&Track{Title: "a"})
	p.Enqueue(&Track{Title: "b"})
	p.Enqueue(&Track{Title: "c"})

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-played:
			if got != want {
				t.Errorf("played %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("track %q never played", want)
		}
	}
}

func TestPlayerDefaultVolume(t *testing.T) {
	p := NewGuildPlayer(testGuildID, 50, time.Minute, nil, nil, nil)
	if p.Volume() != 50 {
		t.Errorf("Volume() = %d, want 50", p.Volume())
	}
	p.SetVolume(300)
	if p.Volume() != 200 {
		t.Errorf("Volume() = %d after SetVolume(300), want clamp to 200", p.Volume())
	}
	p.SetVolume(-10)
	if p.Volume() != 0 {
		t.Errorf("Volume() = %d after SetVolume(-10), want clamp to 0", p.Volume())
	}
}

func TestPlayerLoopReEnqueues(t *testing.T) {
	var mu sync.Mutex
	var plays []string
	proceed := make(chan struct{}, 10)

	play := func(ctx context.Context, tr *Track, ctrl *playbackControl) error {
		mu.Lock()
		plays = append(plays, tr.Title)
		mu.Unlock()
		proceed <- struct{}{}
		return nil
	}
	p := startTestPlayer(play, nil, time.Minute)
	defer p.Destroy()

	if !p.ToggleLoop() {
		t.Fatal("ToggleLoop() = false, want true")
	}
	p.Enqueue(&Track{Title: "loop me"})

	// The same track comes around at least twice.
	<-proceed
	<-proceed
	p.ToggleLoop()

	mu.Lock()
	defer mu.Unlock()
	if len(plays) < 2 || plays[0] != "loop me" || plays[1] != "loop me" {
		t.Errorf("plays = %v, want the same track repeated", plays)
	}
}

func TestPlayerErrorAnnouncesAndContinues(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	notify := func(format string, args ...any) {
		mu.Lock()
		messages = append(messages, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	played := make(chan string, 10)
	play := func(ctx context.Context, tr *Track, ctrl *playbackControl) error {
		played <- tr.Title
		if tr.Title == "broken" {
			return errors.New("403 forbidden")
		}
		return nil
	}
	p := startTestPlayer(play, notify, time.Minute)
	defer p.Destroy()

	// Loop mode on: the errored track must still not come back.
	p.ToggleLoop()
	p.Enqueue(&Track{Title: "broken"})
	p.Enqueue(&Track{Title: "fine"})

	if got := <-played; got != "broken" {
		t.Fatalf("first played %q, want broken", got)
	}
	if got := <-played; got != "fine" {
		t.Fatalf("second played %q, want fine (loop must not resurrect errored tracks)", got)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errorMessages(messages)) >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	errs := errorMessages(messages)
	if len(errs) != 1 {
		t.Fatalf("got %d error announcements, want 1: %v", len(errs), errs)
	}
	if want := "403 forbidden"; !strings.Contains(errs[0], want) {
		t.Errorf("announcement %q does not mention %q", errs[0], want)
	}
}

// errorMessages filters playback-error announcements out of the full
// notify stream (which also carries now-playing lines).
func errorMessages(messages []string) []string {
	var out []string
	for _, m := range messages {
		if strings.Contains(m, "error processing") {
			out = append(out, m)
		}
	}
	return out
}

func TestPlayerSkipAdvancesWithoutError(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	notify := func(format string, args ...any) {
		mu.Lock()
		messages = append(messages, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	played := make(chan string, 10)
	play := func(ctx context.Context, tr *Track, ctrl *playbackControl) error {
		played <- tr.Title
		if tr.Title == "endless" {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}
	p := startTestPlayer(play, notify, time.Minute)
	defer p.Destroy()

	p.Enqueue(&Track{Title: "endless"})
	p.Enqueue(&Track{Title: "next up"})

	if got := <-played; got != "endless" {
		t.Fatalf("first played %q, want endless", got)
	}
	waitFor(t, time.Second, func() bool { return p.Current() != nil })

	if !p.Skip() {
		t.Fatal("Skip() = false while a track is playing")
	}

	if got := <-played; got != "next up" {
		t.Fatalf("after skip played %q, want next up", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if errs := errorMessages(messages); len(errs) != 0 {
		t.Errorf("skip produced error announcements: %v", errs)
	}
}

func TestPlayerSkipWithNothingPlaying(t *testing.T) {
	p := startTestPlayer(func(ctx context.Context, tr *Track, ctrl *playbackControl) error {
		return nil
	}, nil, time.Minute)
	defer p.Destroy()

	if p.Skip() {
		t.Error("Skip() = true with an empty player")
	}
}

func TestPlayerPauseResumeGuards(t *testing.T) {
	blocked := make(chan struct{})
	play := func(ctx context.Context, tr *Track, ctrl *playbackControl) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	}
	p := startTestPlayer(play, nil, time.Minute)
	defer p.Destroy()

	if p.Pause() {
		t.Error("Pause() = true with nothing playing")
	}
	if p.Resume() {
		t.Error("Resume() = true with nothing playing")
	}

	p.Enqueue(&Track{Title: "long one"})
	<-blocked
	waitFor(t, time.Second, func() bool { return p.Current() != nil })

	if !p.Pause() {
		t.Error("Pause() = false while playing")
	}
	if p.Pause() {
		t.Error("Pause() = true while already paused")
	}
	if !p.Paused() {
		t.Error("Paused() = false after Pause")
	}
	if !p.Resume() {
		t.Error("Resume() = false while paused")
	}
	if p.Resume() {
		t.Error("Resume() = true while not paused")
	}
}

func TestPlayerIdleTimeoutDestroysOnce(t *testing.T) {
	var mu sync.Mutex
	destroyed := 0

	var p *GuildPlayer
	p = NewGuildPlayer(testGuildID, 50, 20*time.Millisecond,
		func(ctx context.Context, tr *Track, ctrl *playbackControl) error { return nil },
		func(string, ...any) {},
		func() {
			mu.Lock()
			destroyed++
			mu.Unlock()
		},
	)
	go p.run()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("player did not destroy itself after idle timeout")
	}

	// A second explicit Destroy must not run the hook again.
	p.Destroy()

	mu.Lock()
	defer mu.Unlock()
	if destroyed != 1 {
		t.Errorf("destroy hook ran %d times, want 1", destroyed)
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	r := NewPlayerRegistry()
	var mu sync.Mutex
	builds := 0

	build := func() *GuildPlayer {
		mu.Lock()
		builds++
		mu.Unlock()
		return NewGuildPlayer(testGuildID, 50, time.Minute,
			func(ctx context.Context, tr *Track, ctrl *playbackControl) error { return nil },
			func(string, ...any) {}, nil)
	}

	var wg sync.WaitGroup
	results := make([]*GuildPlayer, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.GetOrCreate(testGuildID, build)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	if builds != 1 {
		t.Errorf("builder ran %d times, want 1", builds)
	}
	mu.Unlock()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent GetOrCreate returned different players")
		}
	}
	results[0].Destroy()
	<-results[0].Done()
}

func TestRegistryRemoveOnlyMatchingInstance(t *testing.T) {
	r := NewPlayerRegistry()
	build := func() *GuildPlayer {
		return NewGuildPlayer(testGuildID, 50, time.Minute,
			func(ctx context.Context, tr *Track, ctrl *playbackControl) error { return nil },
			func(string, ...any) {}, nil)
	}

	first := r.GetOrCreate(testGuildID, build)
	first.Destroy()
	<-first.Done()
	r.Remove(testGuildID, first)

	second := r.GetOrCreate(testGuildID, build)
	if second == first {
		t.Fatal("registry returned a destroyed player")
	}

	// Removing with the stale pointer must not evict the new player.
	r.Remove(testGuildID, first)
	if got, ok := r.Get(testGuildID); !ok || got != second {
		t.Error("stale Remove evicted the current player")
	}

	second.Destroy()
	<-second.Done()
}

func TestRegistryShutdown(t *testing.T) {
	r := NewPlayerRegistry()
	for i := range 3 {
		gid := snowflake.ID(uint64(testGuildID) + uint64(i))
		r.GetOrCreate(gid, func() *GuildPlayer {
			return NewGuildPlayer(gid, 50, time.Minute,
				func(ctx context.Context, tr *Track, ctrl *playbackControl) error { return nil },
				func(string, ...any) {}, nil)
		})
	}

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestTruncateError(t *testing.T) {
	long := errors.New("0123456789012345678901234567890123456789012345678901234567890123456789012345678901234567890123456789EXTRA")
	if got := truncateError(long, 100); len(got) != 100 {
		t.Errorf("truncateError length = %d, want 100", len(got))
	}
	short := errors.New("short")
	if got := truncateError(short, 100); got != "short" {
		t.Errorf("truncateError = %q, want short", got)
	}
}
