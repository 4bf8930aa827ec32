package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Token        string
	GuildID      string
	DatabasePath string
	Silent       bool

	// Player behavior
	PlayerTimeout time.Duration // idle time before the player disconnects itself
	DefaultVolume int           // percent, 0-200

	// Resolver behavior
	PlaylistMax       int           // cap on playlist entries considered
	ResolveRetries    int           // attempts for transient extraction failures
	ResolveRetryDelay time.Duration // delay between attempts
	SkipCertVerify    bool          // passed per-call to the extraction backend
}

var GlobalConfig *Config

// Validate ensures the configuration is valid and meets requirements.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}

	// Basic Snowflake validation for GuildID if provided
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf("invalid GUILD_ID: must be a valid Snowflake")
	}

	if c.DefaultVolume < 0 || c.DefaultVolume > 200 {
		return fmt.Errorf("invalid DEFAULT_VOLUME: must be between 0 and 200")
	}

	if c.PlaylistMax < 1 {
		return fmt.Errorf("invalid PLAYLIST_MAX: must be at least 1")
	}

	return nil
}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	token := os.Getenv("DISCORD_TOKEN")
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		folder := "."
		if info, err := os.Stat("data"); err == nil && info.IsDir() {
			folder = "./data"
		}
		dbPath = filepath.Join(folder, "orpheus.db")
	}

	silent, _ := strconv.ParseBool(os.Getenv("SILENT"))

	cfg := &Config{
		Token:             token,
		GuildID:           os.Getenv("GUILD_ID"),
		DatabasePath:      fmt.Sprintf("%s?_journal_mode=WAL&_timeout=5000", dbPath),
		Silent:            silent,
		PlayerTimeout:     envDuration("PLAYER_TIMEOUT", 180*time.Second),
		DefaultVolume:     envInt("DEFAULT_VOLUME", 50),
		PlaylistMax:       envInt("PLAYLIST_MAX", 100),
		ResolveRetries:    envInt("RESOLVE_RETRIES", 5),
		ResolveRetryDelay: envDuration("RESOLVE_RETRY_DELAY", 2*time.Second),
		SkipCertVerify:    envBool("SKIP_CERT_VERIFY", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

// envDuration reads a duration from the environment. Bare numbers are
// interpreted as seconds, matching the original PLAYER_TIMEOUT=180 style.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	LogWarn("Ignoring invalid %s value: %q", key, v)
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	LogWarn("Ignoring invalid %s value: %q", key, v)
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	LogWarn("Ignoring invalid %s value: %q", key, v)
	return fallback
}
