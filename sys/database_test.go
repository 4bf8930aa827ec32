package sys

import (
	"context"
	"path/filepath"
	"testing"
)

func initTestDatabase(t *testing.T) context.Context {
	t.Helper()
	ctx := context.Background()
	if err := InitDatabase(ctx, filepath.Join(t.TempDir(), "bot.db")); err != nil {
		t.Fatalf("InitDatabase: %v", err)
	}
	t.Cleanup(func() {
		CloseDatabase()
		DB = nil
	})
	return ctx
}

func TestBotConfigRoundTrip(t *testing.T) {
	ctx := initTestDatabase(t)

	if v, err := GetBotConfig(ctx, "missing"); err != nil || v != "" {
		t.Errorf("GetBotConfig(missing) = %q, %v, want empty, nil", v, err)
	}

	if err := SetBotConfig(ctx, "last_cmd_hash", "abc123"); err != nil {
		t.Fatalf("SetBotConfig: %v", err)
	}
	if v, _ := GetBotConfig(ctx, "last_cmd_hash"); v != "abc123" {
		t.Errorf("GetBotConfig = %q, want abc123", v)
	}

	if err := SetBotConfig(ctx, "last_cmd_hash", "def456"); err != nil {
		t.Fatalf("SetBotConfig overwrite: %v", err)
	}
	if v, _ := GetBotConfig(ctx, "last_cmd_hash"); v != "def456" {
		t.Errorf("GetBotConfig after overwrite = %q, want def456", v)
	}
}

func TestTrackCacheRoundTrip(t *testing.T) {
	ctx := initTestDatabase(t)

	if _, _, ok := GetCachedTrackMeta(ctx, "https://example.com/none"); ok {
		t.Error("cache hit for a URL that was never stored")
	}

	PutCachedTrackMeta(ctx, "https://example.com/v", "Song", 125)
	title, duration, ok := GetCachedTrackMeta(ctx, "https://example.com/v")
	if !ok || title != "Song" || duration != 125 {
		t.Errorf("GetCachedTrackMeta = %q, %d, %v, want Song, 125, true", title, duration, ok)
	}

	PutCachedTrackMeta(ctx, "https://example.com/v", "Song (remaster)", 130)
	title, duration, _ = GetCachedTrackMeta(ctx, "https://example.com/v")
	if title != "Song (remaster)" || duration != 130 {
		t.Errorf("after overwrite = %q, %d, want the updated values", title, duration)
	}

	// Entries without a title are useless for display and never stored.
	PutCachedTrackMeta(ctx, "https://example.com/untitled", "", 5)
	if _, _, ok := GetCachedTrackMeta(ctx, "https://example.com/untitled"); ok {
		t.Error("empty title was stored in the cache")
	}
}

func TestDatabaseHelpersNilSafe(t *testing.T) {
	ctx := context.Background()

	if v, err := GetBotConfig(ctx, "k"); err != nil || v != "" {
		t.Errorf("GetBotConfig without a database = %q, %v", v, err)
	}
	if err := SetBotConfig(ctx, "k", "v"); err != nil {
		t.Errorf("SetBotConfig without a database: %v", err)
	}
	PutCachedTrackMeta(ctx, "https://example.com/v", "Song", 1)
	if _, _, ok := GetCachedTrackMeta(ctx, "https://example.com/v"); ok {
		t.Error("cache hit without a database")
	}
}
