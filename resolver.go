package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"golang.org/x/time/rate"

	"github.com/okarpov/orpheus/sys"
)

// ===========================
// Errors
// ===========================

var (
	errNoMedia  = errors.New("no playable media found")
	errNoStream = errors.New("no stream URL in extraction result")
)

// ResolutionError wraps an extraction failure. Transient errors were
// retried and exhausted the attempt budget; permanent ones failed on the
// first try.
type ResolutionError struct {
	Query     string
	Transient bool
	Err       error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %q: %v", e.Query, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// isTransientExtractError classifies network/TLS-class failures that are
// worth retrying, as opposed to malformed responses or missing media.
func isTransientExtractError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"ssl", "certificate", "handshake", "tls",
		"timed out", "timeout", "deadline exceeded",
		"connection reset", "connection refused",
		"temporary failure", "network is unreachable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ===========================
// Extraction backend
// ===========================

// extractRequest describes one call against the extraction backend. The
// certificate policy travels with the request rather than living in any
// process-wide state.
type extractRequest struct {
	Query             string
	Flat              bool // metadata only, no format resolution
	MaxItems          int  // cap on playlist entries, 0 = backend default
	IgnoreEntryErrors bool // continue past broken playlist entries
	SkipCertVerify    bool
}

// extractEntry is one normalized row of an extraction result. Playlist
// fields are zero for plain single-track responses.
type extractEntry struct {
	PageURL       string
	Title         string
	StreamURL     string // empty when flat or unavailable
	Duration      int    // seconds
	PlaylistTitle string
	PlaylistCount int
}

type extractor interface {
	Extract(ctx context.Context, req extractRequest) ([]extractEntry, error)
}

// ===========================
// yt-dlp backend
// ===========================

const extractPrintFormat = "%(playlist_title)s\t%(playlist_count)s\t%(webpage_url)s\t%(title)s\t%(duration)s\t%(url)s"

type ytdlpBackend struct{}

// newYtdlp returns a yt-dlp command with the shared baseline flags.
func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings().
		IgnoreConfig()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

func buildExtractArgs(req extractRequest) []string {
	args := []string{
		"--skip-download",
		"--prefer-free-formats",
		"--socket-timeout", "15",
		"--retries", "3",
		"--fragment-retries", "3",
		"-4",
	}
	if req.SkipCertVerify {
		args = append(args, "--no-check-certificates")
	}
	if req.IgnoreEntryErrors {
		args = append(args, "--ignore-errors")
	}
	if req.MaxItems > 0 {
		args = append(args, "--playlist-items", fmt.Sprintf("1-%d", req.MaxItems))
	}
	return args
}

func (ytdlpBackend) Extract(ctx context.Context, req extractRequest) ([]extractEntry, error) {
	cmd := newYtdlp().Print(extractPrintFormat)
	if req.Flat {
		cmd = cmd.FlatPlaylist()
	} else {
		cmd = cmd.Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	}

	res, err := cmd.Run(ctx, append(buildExtractArgs(req), req.Query)...)
	if err != nil {
		if res != nil && res.Stderr != "" {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(res.Stderr))
		}
		return nil, err
	}

	var entries []extractEntry
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(line, "\t")
		if len(ps) < 6 {
			continue
		}
		entries = append(entries, extractEntry{
			PlaylistTitle: normalizeNA(ps[0]),
			PlaylistCount: parseIntField(ps[1]),
			PageURL:       normalizeNA(ps[2]),
			Title:         normalizeNA(ps[3]),
			Duration:      parseDurationField(ps[4]),
			StreamURL:     normalizeNA(ps[5]),
		})
	}
	return entries, nil
}

// normalizeNA maps yt-dlp's "NA" placeholder to an empty string.
func normalizeNA(s string) string {
	s = strings.TrimSpace(s)
	if s == "NA" {
		return ""
	}
	return s
}

func parseIntField(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func parseDurationField(s string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return int(f)
}

// ===========================
// Resolver
// ===========================

// Resolver turns queries into playable Tracks. Resolution runs on the
// caller's goroutine (command handlers are already concurrent), so slow
// extractions never block other guilds.
type Resolver struct {
	backend extractor
	limiter *rate.Limiter

	retries        int
	retryDelay     time.Duration
	playlistMax    int
	fanout         int
	skipCertVerify bool

	// searchFallback maps a plain search term to a page URL when the
	// primary backend search fails. Nil disables the fallback.
	searchFallback func(ctx context.Context, query string) (string, error)
}

func NewResolver(cfg *sys.Config) *Resolver {
	return &Resolver{
		backend:        ytdlpBackend{},
		limiter:        rate.NewLimiter(rate.Limit(2), 4),
		retries:        cfg.ResolveRetries,
		retryDelay:     cfg.ResolveRetryDelay,
		playlistMax:    cfg.PlaylistMax,
		fanout:         4,
		skipCertVerify: cfg.SkipCertVerify,
		searchFallback: ytsearchFirst,
	}
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Resolve extracts a single track. Non-URL input is treated as a search
// term. Transient failures are retried with a fixed delay; anything else
// fails immediately.
func (r *Resolver) Resolve(ctx context.Context, query string) (*Track, error) {
	q := query
	isSearch := !isHTTPURL(q)
	if isSearch {
		q = "ytsearch1:" + q
	}

	req := extractRequest{Query: q, MaxItems: 1, SkipCertVerify: r.skipCertVerify}

	var lastErr error
	for attempt := 1; attempt <= r.retries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, &ResolutionError{Query: query, Err: err}
		}

		entries, err := r.backend.Extract(ctx, req)
		if err != nil {
			if !isTransientExtractError(err) {
				return r.resolveFallback(ctx, query, isSearch, &ResolutionError{Query: query, Err: err})
			}
			lastErr = err
			sys.LogResolver("Transient extraction failure (attempt %d/%d) for %s: %v", attempt, r.retries, query, err)
			if attempt < r.retries {
				select {
				case <-time.After(r.retryDelay):
				case <-ctx.Done():
					return nil, &ResolutionError{Query: query, Transient: true, Err: ctx.Err()}
				}
			}
			continue
		}

		if len(entries) == 0 {
			return r.resolveFallback(ctx, query, isSearch, &ResolutionError{Query: query, Err: errNoMedia})
		}

		// A playlist-shaped response for a single-track request uses the
		// first entry only.
		t, err := trackFromEntry(entries[0], query)
		if err != nil {
			return r.resolveFallback(ctx, query, isSearch, &ResolutionError{Query: query, Err: err})
		}
		return finishTrack(ctx, t), nil
	}

	return nil, &ResolutionError{Query: query, Transient: true, Err: lastErr}
}

// resolveFallback retries a failed search term through the secondary
// search provider. URL queries return the original error unchanged.
func (r *Resolver) resolveFallback(ctx context.Context, query string, isSearch bool, rerr *ResolutionError) (*Track, error) {
	if !isSearch || r.searchFallback == nil {
		return nil, rerr
	}

	pageURL, err := r.searchFallback(ctx, query)
	if err != nil || pageURL == "" {
		return nil, rerr
	}
	sys.LogResolver("Falling back to secondary search for %q -> %s", query, pageURL)

	if err := r.limiter.Wait(ctx); err != nil {
		return nil, rerr
	}
	entries, err := r.backend.Extract(ctx, extractRequest{Query: pageURL, MaxItems: 1, SkipCertVerify: r.skipCertVerify})
	if err != nil || len(entries) == 0 {
		return nil, rerr
	}
	t, err := trackFromEntry(entries[0], pageURL)
	if err != nil {
		return nil, rerr
	}
	return finishTrack(ctx, t), nil
}

// finishTrack fills metadata gaps from the cache and records the result
// for future resolutions of the same URL. Stream URLs expire too fast to
// be worth caching; only the display fields are.
func finishTrack(ctx context.Context, t *Track) *Track {
	if t.Title == UnknownTitle || t.Duration == 0 {
		if title, duration, ok := sys.GetCachedTrackMeta(ctx, t.SourceURL); ok {
			if t.Title == UnknownTitle && title != "" {
				t.Title = title
			}
			if t.Duration == 0 {
				t.Duration = duration
			}
		}
	}
	if t.Title != UnknownTitle {
		sys.PutCachedTrackMeta(ctx, t.SourceURL, t.Title, t.Duration)
	}
	return t
}

func trackFromEntry(e extractEntry, fallbackURL string) (*Track, error) {
	if e.StreamURL == "" {
		return nil, errNoStream
	}
	sourceURL := e.PageURL
	if sourceURL == "" {
		sourceURL = fallbackURL
	}
	return NewTrack(e.Title, sourceURL, e.StreamURL, e.Duration), nil
}

// LooksLikePlaylist reports whether the query refers to a playlist. A
// "list" query parameter decides without touching the network; otherwise
// a flat capped probe asks the backend. Probe failures classify as
// not-a-playlist so ordinary tracks are never blocked.
func (r *Resolver) LooksLikePlaylist(ctx context.Context, query string) bool {
	u, err := url.Parse(query)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if u.Query().Get("list") != "" {
		return true
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return false
	}
	entries, err := r.backend.Extract(ctx, extractRequest{
		Query:          query,
		Flat:           true,
		MaxItems:       1,
		SkipCertVerify: r.skipCertVerify,
	})
	if err != nil || len(entries) == 0 {
		return false
	}
	return entries[0].PlaylistCount > 0
}

// ResolvePlaylist expands a playlist URL into its tracks, skipping
// entries that fail to resolve. Entries that come back without a direct
// stream URL get one extra resolution call each, fanned out across a
// bounded worker set with output order preserved. An empty result is not
// an error.
func (r *Resolver) ResolvePlaylist(ctx context.Context, query string) (string, []*Track, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", nil, &ResolutionError{Query: query, Err: err}
	}

	entries, err := r.backend.Extract(ctx, extractRequest{
		Query:             query,
		MaxItems:          r.playlistMax,
		IgnoreEntryErrors: true,
		SkipCertVerify:    r.skipCertVerify,
	})
	if err != nil {
		return "", nil, &ResolutionError{Query: query, Transient: isTransientExtractError(err), Err: err}
	}

	title := ""
	for _, e := range entries {
		if e.PlaylistTitle != "" {
			title = e.PlaylistTitle
			break
		}
	}

	if len(entries) > r.playlistMax {
		entries = entries[:r.playlistMax]
	}

	resolved := make([]*Track, len(entries))
	sem := make(chan struct{}, r.fanout)
	var wg sync.WaitGroup

	for i, e := range entries {
		if e.StreamURL != "" {
			resolved[i] = NewTrack(e.Title, firstNonEmpty(e.PageURL, query), e.StreamURL, e.Duration)
			continue
		}
		if e.PageURL == "" {
			// Nothing resolvable for this entry; skip it.
			continue
		}

		wg.Add(1)
		go func(i int, e extractEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			t, err := r.resolveEntry(ctx, e)
			if err != nil {
				sys.LogResolver("Skipping playlist entry %s: %v", e.PageURL, err)
				return
			}
			resolved[i] = t
		}(i, e)
	}
	wg.Wait()

	tracks := make([]*Track, 0, len(entries))
	for _, t := range resolved {
		if t != nil {
			tracks = append(tracks, t)
		}
	}
	return title, tracks, nil
}

// resolveEntry issues the single per-entry extraction call used during
// playlist expansion. Entry failures are skipped, never retried.
func (r *Resolver) resolveEntry(ctx context.Context, e extractEntry) (*Track, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	entries, err := r.backend.Extract(ctx, extractRequest{
		Query:          e.PageURL,
		MaxItems:       1,
		SkipCertVerify: r.skipCertVerify,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errNoMedia
	}
	full := entries[0]
	if full.Title == "" {
		full.Title = e.Title
	}
	if full.Duration == 0 {
		full.Duration = e.Duration
	}
	t, err := trackFromEntry(full, e.PageURL)
	if err != nil {
		return nil, err
	}
	return finishTrack(ctx, t), nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ytsearchFirst is the secondary search provider used when the primary
// backend cannot serve a plain search term.
func ytsearchFirst(ctx context.Context, query string) (string, error) {
	c := ytsearch.NewClient(nil)
	r, err := c.Search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(r.Results) == 0 {
		return "", errNoMedia
	}
	return "https://www.youtube.com/watch?v=" + r.Results[0].VideoID, nil
}
