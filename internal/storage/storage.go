// Package storage abstracts the object store holding tenant configs, tiles,
// metadata and tile event logs. Two backends exist: the local filesystem for
// staging and an S3-compatible bucket (Cloudflare R2) for production.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Store is the capability set the render pipeline needs from a backend.
type Store interface {
	// Exists reports whether key is present. IO errors are surfaced, never
	// folded into false.
	Exists(ctx context.Context, key string) (bool, error)

	// PutFile uploads a local file under key with the given content type.
	PutFile(ctx context.Context, srcPath, key, contentType string) error

	// PutBytes uploads an in-memory blob under key.
	PutBytes(ctx context.Context, key string, body []byte, contentType string) error

	// GetJSON decodes the object at key into out. A missing key yields an
	// error wrapping fault.ErrNotFound, distinguishable from decode failures.
	GetJSON(ctx context.Context, key string, out any) error

	// AppendJSONL appends one JSON object as a line to the NDJSON log at key.
	// Ordering is preserved within a single process.
	AppendJSONL(ctx context.Context, key string, payload any) error

	// ReadJSONLSlice skips cursor lines and returns up to limit parsed
	// records plus the cursor for the following read. Invalid lines are
	// skipped with a warning; a cursor beyond EOF returns (nil, cursor).
	ReadJSONLSlice(ctx context.Context, key string, cursor, limit int) ([]json.RawMessage, int, error)

	// PublicURL returns the absolute URL clients fetch key from.
	PublicURL(key string) string
}

// Config selects and parameterizes a backend.
type Config struct {
	// Backend is "r2" or "local".
	Backend string
	// PublicURLBase is the base URL tiles are served from (CDN or dev host).
	PublicURLBase string
	// CacheRoot is the local backend's root directory.
	CacheRoot string

	// R2 credentials, used when Backend is "r2".
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string
	R2Endpoint        string
}

// New builds the configured backend. An unknown backend name is a fatal
// configuration error.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "r2":
		return newR2Store(ctx, cfg, logger)
	case "local":
		return newLocalStore(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q (want r2 or local)", cfg.Backend)
	}
}

// cacheControlFor returns the Cache-Control header for a key class: tiles are
// immutable, metadata is short-lived, event logs are never cached.
func cacheControlFor(key string) string {
	switch {
	case strings.HasSuffix(key, ".jpg"), strings.HasSuffix(key, ".jpeg"):
		return "public, max-age=31536000, immutable"
	case strings.HasSuffix(key, ".json"):
		return "public, max-age=300"
	case strings.HasSuffix(key, ".ndjson"):
		return "no-cache"
	default:
		return ""
	}
}

// Tile is one in-memory blob destined for the store.
type Tile struct {
	Key  string
	Body []byte
}

// PutTilesParallel uploads tiles concurrently with a hard worker bound,
// invoking onUploaded once per successful upload. The first error is
// returned only after every in-flight attempt has completed.
func PutTilesParallel(ctx context.Context, store Store, tiles []Tile, workers int, onUploaded func(key string), logger *slog.Logger) error {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	var active, peak atomic.Int32
	var g errgroup.Group
	g.SetLimit(workers)

	for _, t := range tiles {
		g.Go(func() error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			defer active.Add(-1)

			if err := store.PutBytes(ctx, t.Key, t.Body, "image/jpeg"); err != nil {
				return fmt.Errorf("put %s: %w", t.Key, err)
			}
			if onUploaded != nil {
				onUploaded(t.Key)
			}
			return nil
		})
	}

	err := g.Wait()
	logger.Info("parallel tile upload finished",
		"tiles", len(tiles),
		"workers", workers,
		"peak_active", peak.Load(),
		"failed", err != nil,
	)
	return err
}

// parseJSONLSlice implements the shared slice semantics over raw log content.
func parseJSONLSlice(content string, key string, cursor, limit int, logger *slog.Logger) ([]json.RawMessage, int) {
	if logger == nil {
		logger = slog.Default()
	}

	var events []json.RawMessage
	next := cursor

	lines := strings.Split(content, "\n")
	// a trailing newline yields one empty final element; drop it
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	for idx, line := range lines {
		if idx < cursor {
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			next = idx + 1
			continue
		}
		if !json.Valid([]byte(line)) {
			logger.Warn("skipping invalid jsonl line", "key", key, "line", idx)
			next = idx + 1
			continue
		}
		events = append(events, json.RawMessage(line))
		next = idx + 1
		if len(events) >= limit {
			break
		}
	}

	return events, next
}
