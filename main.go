package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/lrstanley/go-ytdlp"

	"github.com/okarpov/orpheus/sys"
)

func main() {
	silent := flag.Bool("silent", false, "Disable all log output")
	skipReg := flag.Bool("skip-reg", false, "Skip command registration")
	flag.Parse()

	sys.InitLogger(*silent, true)

	cfg, err := sys.LoadConfig()
	if err != nil {
		sys.LogFatal(sys.MsgConfigFailedToLoad, err)
	}

	sys.LogInfo(sys.MsgBotStarting, "orpheus")
	sys.LogInfo("Using database: %s", filepath.Base(cfg.DatabasePath))

	if err := sys.InitDatabase(context.Background(), cfg.DatabasePath); err != nil {
		sys.LogFatal("Failed to initialize database: %v", err)
	}
	defer sys.CloseDatabase()

	// Fetch yt-dlp if the host doesn't have it.
	ytdlp.MustInstall(context.Background(), nil)

	if err := run(cfg, *skipReg); err != nil {
		sys.LogFatal("%v", err)
	}
}

func run(cfg *sys.Config, skipReg bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer cancel()

	var client bot.Client
	var err error
	for i := 1; i <= 5; i++ {
		client, err = CreateClient(ctx, cfg)
		if err == nil {
			break
		}
		if i == 5 {
			return fmt.Errorf("failed to create Discord client after %d attempts: %w", i, err)
		}
		sys.LogWarn("Failed to create Discord client (attempt %d/5): %v. Retrying in 5s...", i, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	defer client.Close(ctx)

	if !skipReg {
		if err := RegisterCommands(client, cfg.GuildID); err != nil {
			sys.LogError("Command registration failed: %v", err)
		}
	}

	if err := client.OpenGateway(ctx); err != nil {
		return fmt.Errorf("failed to open gateway: %w", err)
	}

	<-ctx.Done()

	sys.LogInfo("Shutting down...")
	getMusicManager().shutdown()
	return nil
}
