package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"

	"github.com/okarpov/orpheus/sys"
)

const queueDisplayLimit = 10

func init() {
	RegisterCommand(discord.SlashCommandCreate{
		Name:        "music",
		Description: "Music playback",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "join",
				Description: "Join your voice channel",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play a song from a URL or search term",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "playlist",
				Description: "Queue every track of a playlist",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "url",
						Description: "The playlist URL",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume a paused song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "loop",
				Description: "Toggle looping of finished songs",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the upcoming songs",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "now",
				Description: "Show the current song",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "leave",
				Description: "Disconnect from the voice channel",
			},
		},
	}, handleMusic)

	RegisterAutocompleteHandler("music", handleMusicAutocomplete)

	djPerm := discord.PermissionManageGuild
	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "dj",
		Description:              "DJ controls (Manage Server only)",
		DefaultMemberPermissions: omit.New(&djPerm),
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "volume",
				Description: "Set the playback volume",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "level",
						Description: "Volume percentage (0-200)",
						Required:    true,
						MinValue:    intPtr(0),
						MaxValue:    intPtr(200),
					},
				},
			},
		},
	}, handleDJ)

	RegisterVoiceStateUpdateHandler(onBotVoiceStateUpdate)
}

func intPtr(i int) *int { return &i }

// ===========================
// Music manager
// ===========================

// musicManager glues the player registry to voice connections and the
// resolver. One instance for the process; handlers go through it.
type musicManager struct {
	mu       sync.Mutex
	registry *PlayerRegistry
	conns    map[snowflake.ID]voice.Conn
	channels map[snowflake.ID]snowflake.ID // guild -> announce channel
	resolver *Resolver
}

var (
	manager     *musicManager
	managerOnce sync.Once
)

func getMusicManager() *musicManager {
	managerOnce.Do(func() {
		manager = &musicManager{
			registry: NewPlayerRegistry(),
			conns:    make(map[snowflake.ID]voice.Conn),
			channels: make(map[snowflake.ID]snowflake.ID),
			resolver: NewResolver(sys.GlobalConfig),
		}
	})
	return manager
}

// ensure returns the guild's player, creating it and opening the voice
// connection on first use. The announce channel follows the latest
// command invocation.
func (m *musicManager) ensure(client *bot.Client, guildID, voiceChannelID, textChannelID snowflake.ID) (*GuildPlayer, error) {
	m.mu.Lock()
	m.channels[guildID] = textChannelID

	conn, ok := m.conns[guildID]
	if !ok {
		conn = client.VoiceManager.CreateConn(guildID)
		m.conns[guildID] = conn
	}

	cfg := sys.GlobalConfig
	p := m.registry.GetOrCreate(guildID, func() *GuildPlayer {
		var player *GuildPlayer
		player = NewGuildPlayer(
			guildID,
			cfg.DefaultVolume,
			cfg.PlayerTimeout,
			connPlayFunc(conn),
			func(format string, args ...any) { m.announce(client, guildID, format, args...) },
			func() {
				m.registry.Remove(guildID, player)
				m.dropConn(guildID, conn)
			},
		)
		return player
	})
	m.mu.Unlock()

	if err := m.connect(conn, voiceChannelID); err != nil {
		p.Destroy()
		return nil, err
	}
	return p, nil
}

// connect opens the voice connection with exponential backoff, matching
// Discord's occasional slow voice server allocation.
func (m *musicManager) connect(conn voice.Conn, channelID snowflake.ID) error {
	if cid := conn.ChannelID(); cid != nil && *cid == channelID {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * time.Second
			sys.LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	sys.LogVoice("Failed to connect to voice after 5 attempts: %v", lastErr)
	return lastErr
}

func (m *musicManager) dropConn(guildID snowflake.ID, conn voice.Conn) {
	m.mu.Lock()
	if m.conns[guildID] == conn {
		delete(m.conns, guildID)
	}
	m.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn.Close(closeCtx)
}

// announce posts a message to the guild's announce channel, used by the
// playback loop for mid-queue errors.
func (m *musicManager) announce(client *bot.Client, guildID snowflake.ID, format string, args ...any) {
	m.mu.Lock()
	channelID, ok := m.channels[guildID]
	m.mu.Unlock()
	if !ok {
		return
	}
	_, err := client.Rest.CreateMessage(channelID, discord.MessageCreate{
		Content: fmt.Sprintf(format, args...),
	})
	if err != nil {
		sys.LogVoice("Failed to announce in guild %s: %v", guildID, err)
	}
}

func (m *musicManager) player(guildID snowflake.ID) *GuildPlayer {
	p, ok := m.registry.Get(guildID)
	if !ok {
		return nil
	}
	return p
}

func (m *musicManager) shutdown() {
	m.registry.Shutdown()
}

// ===========================
// Command handlers
// ===========================

func handleMusic(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || event.GuildID() == nil {
		return
	}
	switch *data.SubCommandName {
	case "join":
		handleMusicJoin(event)
	case "play":
		handleMusicPlay(event, data)
	case "playlist":
		handleMusicPlaylist(event, data)
	case "pause":
		handleMusicPause(event)
	case "resume":
		handleMusicResume(event)
	case "skip":
		handleMusicSkip(event)
	case "loop":
		handleMusicLoop(event)
	case "queue":
		handleMusicQueue(event)
	case "now":
		handleMusicNow(event)
	case "stop":
		handleMusicStop(event)
	case "leave":
		handleMusicLeave(event)
	}
}

func reply(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.MessageCreate{Content: content})
}

func replyEphemeral(event *events.ApplicationCommandInteractionCreate, content string) {
	_ = event.CreateMessage(discord.MessageCreate{Content: content, Flags: discord.MessageFlagEphemeral})
}

func editReply(event *events.ApplicationCommandInteractionCreate, content string) {
	_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(),
		discord.MessageUpdate{Content: &content})
}

// userVoiceChannel resolves the invoking user's voice channel from the
// cache.
func userVoiceChannel(event *events.ApplicationCommandInteractionCreate) (snowflake.ID, bool) {
	vs, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || vs.ChannelID == nil {
		return 0, false
	}
	return *vs.ChannelID, true
}

func handleMusicJoin(event *events.ApplicationCommandInteractionCreate) {
	channelID, ok := userVoiceChannel(event)
	if !ok {
		replyEphemeral(event, "You need to be in a voice channel to use this.")
		return
	}

	_ = event.DeferCreateMessage(false)
	_, err := getMusicManager().ensure(event.Client(), *event.GuildID(), channelID, event.Channel().ID())
	if err != nil {
		editReply(event, fmt.Sprintf("Could not join the voice channel: %s", truncateError(err, 100)))
		return
	}
	editReply(event, fmt.Sprintf("👋 Joined <#%s>.", channelID))
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query := strings.TrimSpace(data.String("query"))
	if query == "" {
		replyEphemeral(event, "Give me something to play.")
		return
	}

	channelID, ok := userVoiceChannel(event)
	if !ok {
		replyEphemeral(event, "You need to be in a voice channel to use this.")
		return
	}

	_ = event.DeferCreateMessage(false)

	m := getMusicManager()
	p, err := m.ensure(event.Client(), *event.GuildID(), channelID, event.Channel().ID())
	if err != nil {
		editReply(event, fmt.Sprintf("Could not join the voice channel: %s", truncateError(err, 100)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	track, fromPlaylist, err := resolveForPlay(ctx, m.resolver, query)
	if err != nil {
		editReply(event, fmt.Sprintf("⚠️ There was an error processing your song.\n```css\n[%s]\n```\nPlease try again.", truncateError(err, 100)))
		return
	}

	p.Enqueue(track)
	msg := fmt.Sprintf("✅ Added to queue: **%s**%s", track.Title, track.DurationString())
	if fromPlaylist {
		msg += "\nThat looked like a playlist, so only the first track was added. Use `/music playlist` to queue all of it."
	}
	editReply(event, msg)
}

// resolveForPlay resolves a single-track request, reporting whether the
// query pointed at a playlist. Playlist queries still resolve; only the
// first entry is used.
func resolveForPlay(ctx context.Context, r *Resolver, query string) (*Track, bool, error) {
	fromPlaylist := r.LooksLikePlaylist(ctx, query)
	track, err := r.Resolve(ctx, query)
	return track, fromPlaylist, err
}

func handleMusicPlaylist(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	url := strings.TrimSpace(data.String("url"))
	if !isHTTPURL(url) {
		replyEphemeral(event, "Give me a playlist URL.")
		return
	}

	channelID, ok := userVoiceChannel(event)
	if !ok {
		replyEphemeral(event, "You need to be in a voice channel to use this.")
		return
	}

	_ = event.DeferCreateMessage(false)

	m := getMusicManager()
	p, err := m.ensure(event.Client(), *event.GuildID(), channelID, event.Channel().ID())
	if err != nil {
		editReply(event, fmt.Sprintf("Could not join the voice channel: %s", truncateError(err, 100)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if !m.resolver.LooksLikePlaylist(ctx, url) {
		track, err := m.resolver.Resolve(ctx, url)
		if err != nil {
			editReply(event, fmt.Sprintf("⚠️ There was an error processing your song.\n```css\n[%s]\n```\nPlease try again.", truncateError(err, 100)))
			return
		}
		p.Enqueue(track)
		editReply(event, fmt.Sprintf("That's not a playlist, so I added the track instead: **%s**%s", track.Title, track.DurationString()))
		return
	}

	title, tracks, err := m.resolver.ResolvePlaylist(ctx, url)
	if err != nil {
		editReply(event, fmt.Sprintf("⚠️ There was an error processing your playlist.\n```css\n[%s]\n```\nPlease try again.", truncateError(err, 100)))
		return
	}
	if len(tracks) == 0 {
		editReply(event, "That playlist has no playable tracks.")
		return
	}

	for _, t := range tracks {
		p.Enqueue(t)
	}

	if title == "" {
		title = "playlist"
	}
	editReply(event, fmt.Sprintf("✅ Added **%d** tracks from **%s** to the queue.", len(tracks), title))
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	var current *Track
	if p != nil {
		current = p.Current()
	}
	if current == nil {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}
	if !p.Pause() {
		replyEphemeral(event, "Playback is already paused.")
		return
	}
	reply(event, fmt.Sprintf("⏸️ Paused **%s**.", current.Title))
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	var current *Track
	if p != nil {
		current = p.Current()
	}
	if current == nil {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}
	if !p.Resume() {
		replyEphemeral(event, "Playback is not paused.")
		return
	}
	reply(event, fmt.Sprintf("▶️ Resumed **%s**.", current.Title))
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	if p == nil {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}
	current := p.Current()
	if current == nil || !p.Skip() {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}
	reply(event, fmt.Sprintf("⏭️ Skipped **%s**.", current.Title))
}

func handleMusicLoop(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	if p == nil {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}
	if p.ToggleLoop() {
		reply(event, "🔁 Loop enabled. Finished songs go back to the end of the queue.")
	} else {
		reply(event, "Loop disabled.")
	}
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	if p == nil {
		replyEphemeral(event, "The queue is empty.")
		return
	}

	tracks, remainder := p.QueueSnapshot(queueDisplayLimit)
	if len(tracks) == 0 && p.Current() == nil {
		replyEphemeral(event, "The queue is empty.")
		return
	}

	var b strings.Builder
	if current := p.Current(); current != nil {
		fmt.Fprintf(&b, "🎵 Now playing: **%s**%s\n", current.Title, current.DurationString())
	}
	if len(tracks) > 0 {
		b.WriteString("\n**Up next:**\n")
		for i, t := range tracks {
			fmt.Fprintf(&b, "%d. **%s**%s\n", i+1, t.Title, t.DurationString())
		}
	}
	if remainder > 0 {
		fmt.Fprintf(&b, "...and **%d** more.\n", remainder)
	}
	reply(event, b.String())
}

func handleMusicNow(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	if p == nil || p.Current() == nil {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}
	current := p.Current()
	status := ""
	if p.Paused() {
		status = " (paused)"
	}
	reply(event, fmt.Sprintf("🎵 Now playing: **%s**%s%s", current.Title, current.DurationString(), status))
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	if p == nil {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}
	p.Destroy()
	reply(event, "⏹️ Stopped playback and cleared the queue.")
}

func handleMusicLeave(event *events.ApplicationCommandInteractionCreate) {
	p := getMusicManager().player(*event.GuildID())
	if p == nil {
		replyEphemeral(event, "I'm not in a voice channel.")
		return
	}
	p.Destroy()
	reply(event, "👋 Disconnected.")
}

func handleDJ(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || *data.SubCommandName != "volume" || event.GuildID() == nil {
		return
	}

	p := getMusicManager().player(*event.GuildID())
	if p == nil {
		replyEphemeral(event, "Nothing is playing right now.")
		return
	}

	level := data.Int("level")
	p.SetVolume(level)
	reply(event, fmt.Sprintf("🔊 Volume set to **%d%%**.", p.Volume()))
}

// ===========================
// Autocomplete
// ===========================

// handleMusicAutocomplete races YouTube Music and plain YouTube search
// and merges the results, music hits first.
func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := strings.TrimSpace(f.String())
	if q == "" || strings.Contains(q, "http") {
		_ = event.AutocompleteResult(nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	results := searchTracks(ctx, q)

	var cs []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		name := r.Title
		if len(name) > 100 {
			name = name[:97] + "..."
		}
		value := r.URL
		if len(value) > 100 {
			value = name
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: name, Value: value})
	}
	_ = event.AutocompleteResult(cs)
}

type searchResult struct{ ID, Title, URL string }

type searchProvider func(ctx context.Context, query string) []searchResult

func searchTracks(ctx context.Context, query string) []searchResult {
	return gatherSearchResults(ctx, query, ytmusicResults, ytsearchResults)
}

func ytmusicResults(_ context.Context, query string) []searchResult {
	s := ytmusic.TrackSearch(query)
	r, err := s.Next()
	if err != nil {
		return nil
	}
	var out []searchResult
	for _, v := range r.Tracks {
		if v.VideoID == "" {
			continue
		}
		title := v.Title
		if len(v.Artists) > 0 {
			title += " - " + v.Artists[0].Name
		}
		out = append(out, searchResult{ID: v.VideoID, Title: title, URL: "https://music.youtube.com/watch?v=" + v.VideoID})
	}
	return out
}

func ytsearchResults(ctx context.Context, query string) []searchResult {
	c := ytsearch.NewClient(nil)
	r, err := c.Search(ctx, query)
	if err != nil {
		return nil
	}
	var out []searchResult
	for _, v := range r.Results {
		if v.VideoID == "" {
			continue
		}
		out = append(out, searchResult{ID: v.VideoID, Title: v.Title, URL: "https://www.youtube.com/watch?v=" + v.VideoID})
	}
	return out
}

// gatherSearchResults runs the providers concurrently and merges whatever
// finished by the deadline, deduplicated by video ID, in provider order.
// Each provider fills its own slot and the merge copies into a fresh
// slice under the lock, so a provider finishing after the deadline never
// touches the slice handed to the caller.
func gatherSearchResults(ctx context.Context, query string, providers ...searchProvider) []searchResult {
	var mu sync.Mutex
	buckets := make([][]searchResult, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p searchProvider) {
			defer wg.Done()
			res := p(ctx, query)
			mu.Lock()
			buckets[i] = res
			mu.Unlock()
		}(i, p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[string]bool)
	var merged []searchResult
	for _, b := range buckets {
		for _, r := range b {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			merged = append(merged, r)
		}
	}
	return merged
}

// ===========================
// Voice state cleanup
// ===========================

// onBotVoiceStateUpdate tears the player down when the bot is removed
// from its voice channel out-of-band (kicked, channel deleted).
func onBotVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	if event.VoiceState.UserID != event.Client().ID() {
		return
	}
	if event.VoiceState.ChannelID != nil {
		return
	}
	if p := getMusicManager().player(event.VoiceState.GuildID); p != nil {
		sys.LogVoice("Guild %s: voice state cleared, destroying player", event.VoiceState.GuildID)
		p.Destroy()
	}
}
