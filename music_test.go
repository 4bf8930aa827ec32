package main

import (
	"context"
	"testing"
	"time"
)

func TestResolveForPlayPlaylistURLUsesFirstTrack(t *testing.T) {
	fake := &fakeExtractor{fn: func(req extractRequest) ([]extractEntry, error) {
		return []extractEntry{
			{Title: "First One", PageURL: "https://example.com/w?v=1", StreamURL: "https://cdn.example.com/1", Duration: 60},
			{Title: "Second One", PageURL: "https://example.com/w?v=2", StreamURL: "https://cdn.example.com/2", Duration: 61},
		}, nil
	}}
	r := newTestResolver(fake)

	track, fromPlaylist, err := resolveForPlay(context.Background(), r, "https://example.com/playlist?list=abc")
	if err != nil {
		t.Fatalf("resolveForPlay: %v", err)
	}
	if !fromPlaylist {
		t.Error("fromPlaylist = false for a list= URL")
	}
	if track == nil || track.Title != "First One" {
		t.Errorf("track = %+v, want the first playlist entry", track)
	}
}

func TestResolveForPlayPlainURL(t *testing.T) {
	fake := &fakeExtractor{fn: func(req extractRequest) ([]extractEntry, error) {
		if req.Flat {
			return singleEntry("Solo", "https://example.com/w?v=9", "", 0), nil
		}
		return singleEntry("Solo", "https://example.com/w?v=9", "https://cdn.example.com/9", 200), nil
	}}
	r := newTestResolver(fake)

	track, fromPlaylist, err := resolveForPlay(context.Background(), r, "https://example.com/w?v=9")
	if err != nil {
		t.Fatalf("resolveForPlay: %v", err)
	}
	if fromPlaylist {
		t.Error("fromPlaylist = true for a plain track URL")
	}
	if track.Title != "Solo" {
		t.Errorf("Title = %q, want Solo", track.Title)
	}
}

func TestGatherSearchResultsMergesAndDedupes(t *testing.T) {
	music := func(ctx context.Context, q string) []searchResult {
		return []searchResult{
			{ID: "a", Title: "A - Artist", URL: "https://music.youtube.com/watch?v=a"},
			{ID: "b", Title: "B - Artist", URL: "https://music.youtube.com/watch?v=b"},
		}
	}
	plain := func(ctx context.Context, q string) []searchResult {
		return []searchResult{
			{ID: "b", Title: "B (reupload)", URL: "https://www.youtube.com/watch?v=b"},
			{ID: "c", Title: "C", URL: "https://www.youtube.com/watch?v=c"},
		}
	}

	got := gatherSearchResults(context.Background(), "q", music, plain)
	wantIDs := []string{"a", "b", "c"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d results, want %d: %+v", len(got), len(wantIDs), got)
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Errorf("result %d has ID %q, want %q", i, got[i].ID, id)
		}
	}
	if got[1].Title != "B - Artist" {
		t.Errorf("duplicate ID resolved to %q, want the first provider's hit", got[1].Title)
	}
}

func TestGatherSearchResultsLateProviderDoesNotMutateResults(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})

	fast := func(ctx context.Context, q string) []searchResult {
		return []searchResult{{ID: "fast", Title: "Fast Hit", URL: "https://www.youtube.com/watch?v=fast"}}
	}
	slow := func(ctx context.Context, q string) []searchResult {
		defer close(finished)
		<-release
		return []searchResult{
			{ID: "slow1", Title: "Late 1", URL: "https://www.youtube.com/watch?v=slow1"},
			{ID: "slow2", Title: "Late 2", URL: "https://www.youtube.com/watch?v=slow2"},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	got := gatherSearchResults(ctx, "q", fast, slow)

	if len(got) != 1 || got[0].ID != "fast" {
		t.Fatalf("got %+v, want only the fast provider's result", got)
	}

	// Let the slow provider finish and deliver its results, then make
	// sure the slice we were handed is untouched.
	close(release)
	<-finished
	time.Sleep(10 * time.Millisecond)

	if len(got) != 1 || got[0].ID != "fast" || got[0].Title != "Fast Hit" {
		t.Errorf("late provider mutated returned results: %+v", got)
	}
}
