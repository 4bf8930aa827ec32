package main

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/okarpov/orpheus/sys"
)

// ===========================
// Playback control
// ===========================

// playbackControl is the live control surface shared between a player
// and whatever is currently rendering audio for it. The transcoder reads
// the volume per frame and the frame provider reads the pause flag, so
// both react mid-track without restarting playback.
type playbackControl struct {
	paused atomic.Bool
	volume atomic.Int32 // percent, 0-200
}

func (c *playbackControl) Paused() bool        { return c.paused.Load() }
func (c *playbackControl) SetPaused(v bool)    { c.paused.Store(v) }
func (c *playbackControl) Volume() int         { return int(c.volume.Load()) }
func (c *playbackControl) SetVolume(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 200 {
		percent = 200
	}
	c.volume.Store(int32(percent))
}

// playFunc renders one track to completion. It returns nil on normal
// completion and ctx.Err() when the track context is cancelled (skip or
// stop). Any other error is a playback failure.
type playFunc func(ctx context.Context, t *Track, ctrl *playbackControl) error

// ===========================
// GuildPlayer
// ===========================

// GuildPlayer owns the queue and the single playback loop for one guild.
// Command handlers enqueue and poke controls; the loop goroutine is the
// only consumer. The player destroys itself after sitting idle with an
// empty queue for idleTimeout.
type GuildPlayer struct {
	guildID snowflake.ID
	queue   *trackQueue
	ctrl    playbackControl

	play        playFunc
	notify      func(format string, args ...any)
	idleTimeout time.Duration

	mu      sync.Mutex
	current *Track

	trackMu     sync.Mutex
	trackCancel context.CancelFunc

	looping atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	destroyOnce sync.Once
	onDestroy   func()
}

// NewGuildPlayer builds a player without starting its loop; the registry
// starts the loop exactly once on creation.
func NewGuildPlayer(guildID snowflake.ID, defaultVolume int, idleTimeout time.Duration, play playFunc, notify func(string, ...any), onDestroy func()) *GuildPlayer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &GuildPlayer{
		guildID:     guildID,
		queue:       newTrackQueue(),
		play:        play,
		notify:      notify,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		onDestroy:   onDestroy,
	}
	p.ctrl.SetVolume(defaultVolume)
	return p
}

// run is the playback loop. One track at a time, strictly FIFO.
func (p *GuildPlayer) run() {
	defer close(p.done)
	defer p.Destroy()

	for {
		track, err := p.queue.Next(p.ctx, p.idleTimeout)
		if err != nil {
			if errors.Is(err, errQueueIdle) {
				sys.LogVoice("Guild %s: idle for %s, disconnecting", p.guildID, p.idleTimeout)
			}
			return
		}

		p.mu.Lock()
		p.current = track
		p.mu.Unlock()
		p.ctrl.SetPaused(false)

		if p.notify != nil {
			p.notify("🎵 Now playing: **%s**%s", track.Title, track.DurationString())
		}

		trackCtx, cancelTrack := context.WithCancel(p.ctx)
		p.trackMu.Lock()
		p.trackCancel = cancelTrack
		p.trackMu.Unlock()

		playErr := p.play(trackCtx, track, &p.ctrl)

		p.trackMu.Lock()
		p.trackCancel = nil
		p.trackMu.Unlock()
		cancelTrack()

		p.mu.Lock()
		p.current = nil
		p.mu.Unlock()

		if p.ctx.Err() != nil {
			return
		}

		if playErr != nil && !errors.Is(playErr, context.Canceled) {
			// Announce and keep going; a bad track must not take the
			// queue down with it. Errored tracks are never re-enqueued.
			sys.LogVoice("Guild %s: playback error for %s: %v", p.guildID, track.Title, playErr)
			if p.notify != nil {
				p.notify("⚠️ There was an error processing your song.\n```css\n[%s]\n```\nPlease try again.", truncateError(playErr, 100))
			}
			continue
		}

		// Normal completion and skip both count as finished for loop
		// mode: the track goes back to the tail of the queue.
		if p.looping.Load() {
			p.queue.Put(track)
		}
	}
}

// truncateError flattens an error to a bounded single-line string fit
// for a chat message.
func truncateError(err error, max int) string {
	msg := err.Error()
	if len(msg) > max {
		msg = msg[:max]
	}
	return msg
}

// Enqueue appends a track at the tail of the queue.
func (p *GuildPlayer) Enqueue(t *Track) {
	p.queue.Put(t)
}

// Current returns the track being played right now, nil between tracks.
func (p *GuildPlayer) Current() *Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Pause pauses the current track. It reports whether the state changed;
// false means nothing is playing or playback is already paused.
func (p *GuildPlayer) Pause() bool {
	if p.Current() == nil || p.ctrl.Paused() {
		return false
	}
	p.ctrl.SetPaused(true)
	return true
}

// Resume resumes a paused track. False means nothing was paused.
func (p *GuildPlayer) Resume() bool {
	if p.Current() == nil || !p.ctrl.Paused() {
		return false
	}
	p.ctrl.SetPaused(false)
	return true
}

func (p *GuildPlayer) Paused() bool { return p.ctrl.Paused() }

// Skip stops the current track and lets the loop advance. False means
// nothing is playing.
func (p *GuildPlayer) Skip() bool {
	p.trackMu.Lock()
	cancel := p.trackCancel
	p.trackMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// ToggleLoop flips loop mode and returns the new state.
func (p *GuildPlayer) ToggleLoop() bool {
	for {
		old := p.looping.Load()
		if p.looping.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (p *GuildPlayer) Looping() bool { return p.looping.Load() }

// SetVolume clamps to 0-200 percent and applies to the current track
// immediately.
func (p *GuildPlayer) SetVolume(percent int) {
	p.ctrl.SetVolume(percent)
}

func (p *GuildPlayer) Volume() int { return p.ctrl.Volume() }

// QueueSnapshot returns up to limit upcoming tracks and the count of
// anything beyond that.
func (p *GuildPlayer) QueueSnapshot(limit int) ([]*Track, int) {
	return p.queue.Snapshot(limit)
}

func (p *GuildPlayer) QueueLen() int { return p.queue.Len() }

// Destroy tears the player down: stops playback, clears the queue and
// runs the destroy hook (voice disconnect, registry removal). Safe to
// call from any goroutine, any number of times.
func (p *GuildPlayer) Destroy() {
	p.destroyOnce.Do(func() {
		p.cancel()
		p.queue.Clear()
		if p.onDestroy != nil {
			p.onDestroy()
		}
	})
}

// Done is closed when the playback loop has fully exited.
func (p *GuildPlayer) Done() <-chan struct{} { return p.done }

// ===========================
// PlayerRegistry
// ===========================

// PlayerRegistry maps guilds to their players. Creation is atomic: two
// concurrent requests for the same guild observe one player and one
// playback loop.
type PlayerRegistry struct {
	mu      sync.Mutex
	players map[snowflake.ID]*GuildPlayer
}

func NewPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{players: make(map[snowflake.ID]*GuildPlayer)}
}

// GetOrCreate returns the guild's player, building and starting one via
// build if none exists.
func (r *PlayerRegistry) GetOrCreate(guildID snowflake.ID, build func() *GuildPlayer) *GuildPlayer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.players[guildID]; ok {
		return p
	}
	p := build()
	r.players[guildID] = p
	go p.run()
	return p
}

func (r *PlayerRegistry) Get(guildID snowflake.ID) (*GuildPlayer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[guildID]
	return p, ok
}

// Remove drops the mapping, but only if it still points at p. A player
// destroying itself must not evict a newer player for the same guild.
func (r *PlayerRegistry) Remove(guildID snowflake.ID, p *GuildPlayer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.players[guildID] == p {
		delete(r.players, guildID)
	}
}

// Shutdown destroys every player and waits for the loops to exit.
func (r *PlayerRegistry) Shutdown() {
	r.mu.Lock()
	players := make([]*GuildPlayer, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	r.mu.Unlock()

	for _, p := range players {
		p.Destroy()
	}
	for _, p := range players {
		<-p.Done()
	}
}
