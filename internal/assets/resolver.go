// Package assets resolves logical asset base paths (no extension) to local
// files, falling back to a streamed download from the public object store.
package assets

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arielsmarin/straty-backend-stable/internal/fault"
)

// Extensions are probed in order; .png wins over .jpg over .jpeg.
var Extensions = []string{".png", ".jpg", ".jpeg"}

// Resolver probes the local cache first, then the remote store.
type Resolver struct {
	// PublicURLBase is the base URL remote assets are fetched from. Empty
	// disables the remote fallback.
	PublicURLBase string
	// CacheRoot is the local prefix stripped from paths when deriving the
	// remote key.
	CacheRoot string
	// Client is the HTTP client for remote fetches; a 30s-timeout default is
	// used when nil.
	Client *http.Client
	Logger *slog.Logger
}

func (r *Resolver) httpClient() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (r *Resolver) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolve returns the local path of the asset at basePath (no extension),
// downloading and caching it when only the remote copy exists.
func (r *Resolver) Resolve(basePath string) (string, error) {
	for _, ext := range Extensions {
		candidate := basePath + ext
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}

	if r.PublicURLBase == "" {
		return "", fmt.Errorf("%w: %s.(png|jpg|jpeg)", fault.ErrAssetMissing, basePath)
	}

	r.log().Info("asset not found locally, attempting remote download", "base", basePath)

	var lastURL string
	for _, ext := range Extensions {
		candidate := basePath + ext
		url := r.remoteURL(candidate)
		lastURL = url

		ok, err := r.download(url, candidate)
		if err != nil {
			r.log().Warn("remote asset fetch failed", "url", url, "error", err)
			continue
		}
		if ok {
			r.log().Info("downloaded and cached asset", "path", candidate)
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %s (remote %s)", fault.ErrAssetMissing, basePath, lastURL)
}

// remoteURL maps a local candidate path to its public store URL by stripping
// the cache root prefix.
func (r *Resolver) remoteURL(localPath string) string {
	key := filepath.ToSlash(localPath)
	if r.CacheRoot != "" {
		prefix := filepath.ToSlash(r.CacheRoot)
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		key = strings.TrimPrefix(key, prefix)
	}
	return strings.TrimSuffix(r.PublicURLBase, "/") + "/" + key
}

// download streams url into dest. Returns (false, nil) on 404 and on
// non-200 statuses worth trying the next extension for.
func (r *Resolver) download(url, dest string) (bool, error) {
	resp, err := r.httpClient().Get(url)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		r.log().Warn("unexpected status fetching asset", "url", url, "status", resp.StatusCode)
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return false, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return false, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return false, err
	}
	return true, nil
}
