package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

const searchCacheTTL = 7 * 24 * time.Hour

// --- Connection & Lifecycle ---

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	// The driver registers itself via its init() function
	_ = sqlite3.SQLiteDriver{}

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
		`CREATE TABLE IF NOT EXISTS queue_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			video_id TEXT,
			url TEXT NOT NULL,
			title TEXT,
			channel_title TEXT,
			thumbnail TEXT,
			duration TEXT,
			description TEXT,
			requested_by TEXT,
			requested_by_id TEXT,
			source TEXT DEFAULT 'youtube',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_guild_id ON queue_items(guild_id)`,
		`CREATE TABLE IF NOT EXISTS search_cache (
			query_hash TEXT NOT NULL,
			max_results INTEGER NOT NULL,
			results TEXT NOT NULL,
			source TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME NOT NULL,
			last_hit_at DATETIME,
			PRIMARY KEY (query_hash, max_results)
		)`,
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
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

	migrations := []string{
		"ALTER TABLE queue_items ADD COLUMN description TEXT",
		"ALTER TABLE queue_items ADD COLUMN source TEXT DEFAULT 'youtube'",
		"ALTER TABLE search_cache ADD COLUMN last_hit_at DATETIME",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf(MsgDBMigrationFail, err)
			}
		}
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// --- Bot Persistence ---

// BotConfig helpers are used by the loader for mode tracking and state.
func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// --- Durable Queue Store ---

// AppendQueueItem persists a queued track and returns its row id.
func AppendQueueItem(ctx context.Context, guildID snowflake.ID, t *Track) (int64, error) {
	res, err := DB.ExecContext(ctx, `
		INSERT INTO queue_items (guild_id, video_id, url, title, channel_title, thumbnail, duration, description, requested_by, requested_by_id, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, guildID.String(), t.VideoID, t.URL, t.Title, t.Channel, t.Thumbnail, t.DurationLabel, t.Description, t.RequestedBy, t.RequestedByID, t.Source)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LoadQueueItems returns a guild's persisted queue in insertion order.
func LoadQueueItems(ctx context.Context, guildID snowflake.ID) ([]*Track, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT id, video_id, url, title, channel_title, thumbnail, duration, description, requested_by, requested_by_id, source
		FROM queue_items WHERE guild_id = ? ORDER BY id ASC
	`, guildID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tracks []*Track
	for rows.Next() {
		t := &Track{}
		var videoID, title, channel, thumbnail, duration, description, requestedBy, requestedByID, source sql.NullString
		if err := rows.Scan(&t.QueueItemID, &videoID, &t.URL, &title, &channel, &thumbnail, &duration, &description, &requestedBy, &requestedByID, &source); err != nil {
			return nil, err
		}
		t.VideoID = videoID.String
		t.Title = title.String
		t.Channel = channel.String
		t.Thumbnail = thumbnail.String
		t.DurationLabel = duration.String
		t.Description = description.String
		t.RequestedBy = requestedBy.String
		t.RequestedByID = requestedByID.String
		t.Source = source.String
		if t.Source == "" {
			t.Source = SourceYouTube
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

// RemoveQueueItem deletes a persisted queue row. Removal is fail-soft: a
// stale or missing row must never stall playback.
func RemoveQueueItem(ctx context.Context, guildID snowflake.ID, rowID int64) {
	if rowID == 0 {
		return
	}
	if _, err := DB.ExecContext(ctx, "DELETE FROM queue_items WHERE id = ? AND guild_id = ?", rowID, guildID.String()); err != nil {
		LogDatabase("Failed to remove queue item %d for guild %s: %v", rowID, guildID, err)
	}
}

// ClearQueueItems deletes all persisted rows for a guild.
func ClearQueueItems(ctx context.Context, guildID snowflake.ID) {
	if _, err := DB.ExecContext(ctx, "DELETE FROM queue_items WHERE guild_id = ?", guildID.String()); err != nil {
		LogDatabase("Failed to clear queue for guild %s: %v", guildID, err)
	}
}

// --- Persistent Search Cache ---

func searchCacheKey(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:])
}

// ReadSearchCache returns cached results for a query if present and fresh.
func ReadSearchCache(ctx context.Context, query string, maxResults int) ([]SearchResult, bool) {
	key := searchCacheKey(query)

	var raw string
	var expiresAt time.Time
	err := DB.QueryRowContext(ctx, `
		SELECT results, expires_at FROM search_cache WHERE query_hash = ? AND max_results = ?
	`, key, maxResults).Scan(&raw, &expiresAt)
	if err != nil {
		if err != sql.ErrNoRows {
			LogDatabase("Failed to read search cache: %v", err)
		}
		return nil, false
	}

	if time.Now().After(expiresAt) {
		_, _ = DB.ExecContext(ctx, "DELETE FROM search_cache WHERE query_hash = ? AND max_results = ?", key, maxResults)
		return nil, false
	}

	var results []SearchResult
	if err := json.Unmarshal([]byte(raw), &results); err != nil {
		LogDatabase("Failed to decode cached search results: %v", err)
		return nil, false
	}

	_, _ = DB.ExecContext(ctx, `
		UPDATE search_cache SET last_hit_at = CURRENT_TIMESTAMP WHERE query_hash = ? AND max_results = ?
	`, key, maxResults)

	return results, true
}

// WriteSearchCache stores search results with a 7-day TTL. Write failures are
// fail-soft: caching must never break a search.
func WriteSearchCache(ctx context.Context, query string, maxResults int, source string, results []SearchResult) {
	if len(results) == 0 {
		return
	}
	raw, err := json.Marshal(results)
	if err != nil {
		LogDatabase("Failed to encode search results for cache: %v", err)
		return
	}

	_, err = DB.ExecContext(ctx, `
		INSERT INTO search_cache (query_hash, max_results, results, source, expires_at, last_hit_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(query_hash, max_results) DO UPDATE SET
			results = excluded.results,
			source = excluded.source,
			updated_at = CURRENT_TIMESTAMP,
			expires_at = excluded.expires_at,
			last_hit_at = CURRENT_TIMESTAMP
	`, searchCacheKey(query), maxResults, string(raw), source, time.Now().Add(searchCacheTTL).UTC())
	if err != nil {
		LogDatabase("Failed to write search cache: %v", err)
	}
}

// PruneSearchCache removes expired cache rows and returns how many were dropped.
func PruneSearchCache(ctx context.Context) (int64, error) {
	res, err := DB.ExecContext(ctx, "DELETE FROM search_cache WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
