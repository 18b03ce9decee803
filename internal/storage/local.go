package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arielsmarin/straty-backend-stable/internal/fault"
)

// localStore writes objects under a root directory, mirroring the store key
// layout one-to-one. Used for staging and tests.
type localStore struct {
	root      string
	publicURL string
	logger    *slog.Logger
	appendMu  sync.Mutex
}

func newLocalStore(cfg Config, logger *slog.Logger) *localStore {
	if logger == nil {
		logger = slog.Default()
	}
	root := cfg.CacheRoot
	if root == "" {
		root = "panoconfig360_cache"
	}
	return &localStore{
		root:      root,
		publicURL: strings.TrimSuffix(cfg.PublicURLBase, "/"),
		logger:    logger,
	}
}

func (s *localStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *localStore) Exists(_ context.Context, key string) (bool, error) {
	st, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !st.IsDir(), nil
}

func (s *localStore) PutFile(_ context.Context, srcPath, key, contentType string) error {
	_ = contentType // kept for interface parity with the remote backend

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, err)
	}
	defer src.Close()

	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	s.logger.Debug("cached locally", "key", key)
	return nil
}

func (s *localStore) PutBytes(_ context.Context, key string, body []byte, contentType string) error {
	_ = contentType

	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, body, 0o644)
}

func (s *localStore) GetJSON(_ context.Context, key string, out any) error {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", fault.ErrNotFound, key)
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *localStore) AppendJSONL(_ context.Context, key string, payload any) error {
	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	f, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (s *localStore) ReadJSONLSlice(_ context.Context, key string, cursor, limit int) ([]json.RawMessage, int, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cursor, nil
		}
		return nil, cursor, err
	}
	events, next := parseJSONLSlice(string(data), key, cursor, limit, s.logger)
	return events, next, nil
}

func (s *localStore) PublicURL(key string) string {
	if s.publicURL == "" {
		return "/" + key
	}
	return s.publicURL + "/" + key
}
