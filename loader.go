package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/godave/golibdave"
	"github.com/disgoorg/snowflake/v2"

	"github.com/okarpov/orpheus/sys"
)

var (
	StartupTime = time.Now()

	commands                 = []discord.ApplicationCommandCreate{}
	commandHandlers          = map[string]func(event *events.ApplicationCommandInteractionCreate){}
	autocompleteHandlers     = map[string]func(event *events.AutocompleteInteractionCreate){}
	voiceStateUpdateHandlers []func(event *events.GuildVoiceStateUpdate)
)

// safeGo runs fn on its own goroutine with panic recovery, so a broken
// handler cannot take the gateway down.
func safeGo(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sys.LogError(sys.MsgLoaderPanicRecovered, r)
			}
		}()
		fn()
	}()
}

func CreateClient(ctx context.Context, cfg *sys.Config) (bot.Client, error) {
	client, err := disgo.New(cfg.Token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildVoiceStates,
			),
			gateway.WithPresenceOpts(
				gateway.WithListeningActivity("your queue"),
				gateway.WithOnlineStatus(discord.OnlineStatusOnline),
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds, cache.FlagChannels, cache.FlagVoiceStates),
		),
		bot.WithVoiceManagerConfigOpts(
			voice.WithDaveSessionCreateFunc(golibdave.NewSession),
		),
		bot.WithEventListenerFunc(onApplicationCommandInteraction),
		bot.WithEventListenerFunc(onAutocompleteInteraction),
		bot.WithEventListenerFunc(onVoiceStateUpdate),
		bot.WithEventListenerFunc(onReady),
		bot.WithRestClientConfigOpts(
			rest.WithHTTPClient(&http.Client{
				Timeout: 60 * time.Second,
				Transport: &http.Transport{
					MaxIdleConns:        100,
					MaxIdleConnsPerHost: 50,
					IdleConnTimeout:     90 * time.Second,
				},
			}),
		),
	)
	if err != nil {
		return bot.Client{}, err
	}

	return *client, nil
}

func RegisterCommand(cmd discord.ApplicationCommandCreate, handler func(event *events.ApplicationCommandInteractionCreate)) {
	commands = append(commands, cmd)
	commandHandlers[cmd.CommandName()] = handler
}

func RegisterAutocompleteHandler(cmdName string, handler func(event *events.AutocompleteInteractionCreate)) {
	autocompleteHandlers[cmdName] = handler
}

func RegisterVoiceStateUpdateHandler(handler func(event *events.GuildVoiceStateUpdate)) {
	voiceStateUpdateHandlers = append(voiceStateUpdateHandlers, handler)
}

func calculateCommandHash(cmds []discord.ApplicationCommandCreate) string {
	data, err := json.Marshal(cmds)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// RegisterCommands syncs the command set with Discord. A hash of the
// definitions is kept in the database so unchanged sets skip the API
// round trip. A non-empty guild ID registers guild-scoped (instant
// propagation for development); otherwise registration is global.
func RegisterCommands(client bot.Client, guildIDStr string) error {
	ctx := context.Background()

	currentMode := "guild"
	if guildIDStr == "" {
		currentMode = "global"
	}
	sys.LogInfo(sys.MsgLoaderSyncCommands, currentMode)

	currentHash := calculateCommandHash(commands)
	lastHash, _ := sys.GetBotConfig(ctx, "last_cmd_hash")
	lastMode, _ := sys.GetBotConfig(ctx, "last_reg_mode")

	if currentHash != "" && currentHash == lastHash && currentMode == lastMode {
		sys.LogInfo(sys.MsgLoaderUpToDate, currentHash[:8])
		return nil
	}

	if guildIDStr == "" {
		sys.LogInfo(sys.MsgLoaderProdStarting)
		createdCommands, err := client.Rest.SetGlobalCommands(client.ApplicationID, commands)
		if err != nil {
			return fmt.Errorf(sys.MsgLoaderProdFail, err)
		}
		for _, cmd := range createdCommands {
			sys.LogInfo(sys.MsgLoaderProdRegistered, cmd.Name())
		}
	} else {
		guildID, err := snowflake.Parse(guildIDStr)
		if err != nil {
			return fmt.Errorf(sys.MsgLoaderInvalidGuildID, err)
		}
		sys.LogInfo(sys.MsgLoaderDevStarting, guildIDStr)
		createdCommands, err := client.Rest.SetGuildCommands(client.ApplicationID, guildID, commands)
		if err != nil {
			sys.LogWarn(sys.MsgLoaderDevFail, err)
		} else {
			for _, cmd := range createdCommands {
				sys.LogInfo(sys.MsgLoaderDevRegistered, cmd.Name())
			}
		}
	}

	_ = sys.SetBotConfig(ctx, "last_reg_mode", currentMode)
	if currentHash != "" {
		_ = sys.SetBotConfig(ctx, "last_cmd_hash", currentHash)
	}
	return nil
}

func onReady(event *events.Ready) {
	duration := time.Since(StartupTime)
	sys.LogInfo(sys.MsgBotReady, event.User.Username, event.User.ID.String(), os.Getpid(), duration.Milliseconds())
}

func onApplicationCommandInteraction(event *events.ApplicationCommandInteractionCreate) {
	if h, ok := commandHandlers[event.Data.CommandName()]; ok {
		safeGo(func() { h(event) })
	}
}

func onAutocompleteInteraction(event *events.AutocompleteInteractionCreate) {
	if h, ok := autocompleteHandlers[event.Data.CommandName]; ok {
		safeGo(func() { h(event) })
	}
}

func onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	for _, h := range voiceStateUpdateHandlers {
		safeGo(func() { h(event) })
	}
}
