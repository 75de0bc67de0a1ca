package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
)

// ReplyCache stores raw model replies keyed by prompt hash, so that the same
// document is never sent to a provider twice.
// Hybrid: DB (primary) + file system (fallback/local).
type ReplyCache struct {
	db      Querier
	fileDir string
}

// NewReplyCache creates a cache. If db is nil it falls back to files in dir;
// with neither it is a no-op cache.
func NewReplyCache(db Querier, dir string) *ReplyCache {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("reply cache directory unavailable", "dir", dir, "error", err)
			dir = ""
		}
	}
	return &ReplyCache{db: db, fileDir: dir}
}

// cacheEntry is the file representation of a cached reply.
type cacheEntry struct {
	Key       string    `json:"key"`
	Provider  string    `json:"provider"`
	Reply     string    `json:"reply"`
	CreatedAt time.Time `json:"created_at"`
}

// Get returns the cached reply for key. A miss is not an error.
func (c *ReplyCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c.db != nil {
		var reply string
		err := c.db.QueryRow(ctx, `SELECT reply FROM extraction_replies WHERE cache_key = $1`, key).Scan(&reply)
		switch {
		case err == nil:
			return reply, true, nil
		case errors.Is(err, pgx.ErrNoRows):
			return "", false, nil
		default:
			return "", false, fmt.Errorf("failed to read reply cache: %w", err)
		}
	}

	if c.fileDir != "" {
		data, err := os.ReadFile(c.path(key))
		if err != nil {
			return "", false, nil
		}
		var entry cacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return "", false, fmt.Errorf("corrupt reply cache entry %s: %w", key, err)
		}
		return entry.Reply, true, nil
	}
	return "", false, nil
}

// Put stores reply under key.
func (c *ReplyCache) Put(ctx context.Context, key, provider, reply string) error {
	if c.db != nil {
		query := `
			INSERT INTO extraction_replies (cache_key, provider, reply)
			VALUES ($1, $2, $3)
			ON CONFLICT (cache_key)
			DO UPDATE SET
				provider = EXCLUDED.provider,
				reply = EXCLUDED.reply,
				updated_at = NOW()
		`
		if _, err := c.db.Exec(ctx, query, key, provider, reply); err != nil {
			return fmt.Errorf("failed to save to db cache: %w", err)
		}
	}

	if c.fileDir != "" {
		entry := cacheEntry{Key: key, Provider: provider, Reply: reply, CreatedAt: time.Now().UTC()}
		fileBytes, err := json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal cache entry: %w", err)
		}
		if err := os.WriteFile(c.path(key), fileBytes, 0o644); err != nil {
			return fmt.Errorf("failed to save to file cache: %w", err)
		}
	}
	return nil
}

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func (c *ReplyCache) path(key string) string {
	return filepath.Join(c.fileDir, unsafeKey.ReplaceAllString(key, "_")+".json")
}
