package sys

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS track_cache (
			source_url TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	if DB == nil {
		return "", nil
	}
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	if DB == nil {
		return nil
	}
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// Track metadata cache. Stream URLs expire quickly, so only the stable
// display fields are persisted.

func GetCachedTrackMeta(ctx context.Context, sourceURL string) (title string, durationSeconds int, ok bool) {
	if DB == nil || sourceURL == "" {
		return "", 0, false
	}
	err := DB.QueryRowContext(ctx,
		"SELECT title, duration_seconds FROM track_cache WHERE source_url = ?",
		sourceURL,
	).Scan(&title, &durationSeconds)
	if err != nil {
		return "", 0, false
	}
	return title, durationSeconds, true
}

func PutCachedTrackMeta(ctx context.Context, sourceURL, title string, durationSeconds int) {
	if DB == nil || sourceURL == "" || title == "" {
		return
	}
	_, err := DB.ExecContext(ctx, `
		INSERT INTO track_cache (source_url, title, duration_seconds) VALUES (?, ?, ?)
		ON CONFLICT(source_url) DO UPDATE SET
			title = excluded.title,
			duration_seconds = excluded.duration_seconds,
			updated_at = CURRENT_TIMESTAMP
	`, sourceURL, title, durationSeconds)
	if err != nil {
		LogDatabase("Failed to cache track metadata for %s: %v", sourceURL, err)
	}
}
