package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ===========================
// Track
// ===========================

// Track is a fully resolved, playable audio item. It is built once by
// the resolver and read-only afterwards.
type Track struct {
	Title     string
	SourceURL string // canonical page URL
	StreamURL string // direct media URL or local path, opaque to the player
	Duration  int    // seconds, 0 = unknown
}

// UnknownTitle is used when the backend returns no usable title.
const UnknownTitle = "Unknown track"

func NewTrack(title, sourceURL, streamURL string, duration int) *Track {
	if title == "" {
		title = UnknownTitle
	}
	if duration < 0 {
		duration = 0
	}
	return &Track{
		Title:     title,
		SourceURL: sourceURL,
		StreamURL: streamURL,
		Duration:  duration,
	}
}

// DurationString formats the duration as " [M:SS]", or "" when unknown.
func (t *Track) DurationString() string {
	if t.Duration <= 0 {
		return ""
	}
	return fmt.Sprintf(" [%d:%02d]", t.Duration/60, t.Duration%60)
}

// ===========================
// Queue
// ===========================

// errQueueIdle is returned by Next when the idle timeout elapses with no
// track arriving.
var errQueueIdle = errors.New("queue idle timeout")

// trackQueue is the per-guild FIFO between command handlers (producers)
// and the single playback loop (consumer). It is unbounded; Next blocks
// up to a deadline.
type trackQueue struct {
	mu    sync.Mutex
	items []*Track
	wake  chan struct{}
}

func newTrackQueue() *trackQueue {
	return &trackQueue{
		wake: make(chan struct{}, 1),
	}
}

// Put appends a track at the tail and wakes the consumer.
func (q *trackQueue) Put(t *Track) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next pops the head of the queue, blocking up to idleTimeout. It
// returns errQueueIdle when the timeout elapses and ctx.Err() when the
// context is cancelled, so an explicit stop preempts the wait.
func (q *trackQueue) Next(ctx context.Context, idleTimeout time.Duration) (*Track, error) {
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-timer.C:
			return nil, errQueueIdle
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Snapshot returns up to limit queued tracks plus the count of the
// remainder, without consuming anything.
func (q *trackQueue) Snapshot(limit int) ([]*Track, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n <= limit {
		out := make([]*Track, n)
		copy(out, q.items)
		return out, 0
	}
	out := make([]*Track, limit)
	copy(out, q.items[:limit])
	return out, n - limit
}

func (q *trackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *trackQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
