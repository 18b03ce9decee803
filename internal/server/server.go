// Package server implements the render controller: the HTTP surface, the
// admission chain (rate limit, cache check, per-build single-flight, global
// capacity) and the two-phase generate-then-upload pipeline.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/arielsmarin/straty-backend-stable/internal/assets"
	"github.com/arielsmarin/straty-backend-stable/internal/compositor"
	"github.com/arielsmarin/straty-backend-stable/internal/config"
	"github.com/arielsmarin/straty-backend-stable/internal/cubemap"
	"github.com/arielsmarin/straty-backend-stable/internal/fault"
	"github.com/arielsmarin/straty-backend-stable/internal/status"
	"github.com/arielsmarin/straty-backend-stable/internal/storage"
)

// ServiceName identifies the backend in health responses.
const ServiceName = "panoconfig360-backend"

// DefaultTilesTotal is the floor of tiles_total reported while only LOD0 is
// known; the real total replaces it when LOD1 starts.
const DefaultTilesTotal = 48

// Config carries every controller knob.
type Config struct {
	CacheRoot     string
	PublicURLBase string
	CORSOrigins   []string
	Version       string

	// MinInterval is the global rate-limit window between accepted renders.
	MinInterval time.Duration
	// MaxRenderLocks caps the single-flight lock LRU.
	MaxRenderLocks int
	// MaxConcurrentRenders bounds active pipelines; 0 means unbounded.
	MaxConcurrentRenders int

	TileWorkers int
	FaceWorkers int
	JPEGQuality int
}

func (c *Config) fillDefaults() {
	if c.CacheRoot == "" {
		c.CacheRoot = "panoconfig360_cache"
	}
	if c.MinInterval <= 0 {
		c.MinInterval = time.Second
	}
	if c.MaxRenderLocks <= 0 {
		c.MaxRenderLocks = 256
	}
	if c.TileWorkers <= 0 {
		c.TileWorkers = 4
	}
	if c.Version == "" {
		c.Version = "0.0.1"
	}
}

// Server is the controller state shared across requests. All cross-request
// coordination lives here behind its own mutexes; there are no ambient
// singletons.
type Server struct {
	cfg      Config
	store    storage.Store
	loader   *config.Loader
	comp     *compositor.Compositor
	splitter *cubemap.Splitter
	registry *status.Registry
	logger   *slog.Logger

	rateMu      sync.Mutex
	lastRequest time.Time

	locks *lockTable

	activeMu         sync.Mutex
	activeBackground map[string]struct{}

	renderSem chan struct{}

	background sync.WaitGroup
}

// New wires a controller over the given store.
func New(store storage.Store, cfg Config, logger *slog.Logger) *Server {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	resolver := &assets.Resolver{
		PublicURLBase: cfg.PublicURLBase,
		CacheRoot:     cfg.CacheRoot,
		Logger:        logger,
	}

	var sem chan struct{}
	if cfg.MaxConcurrentRenders > 0 {
		sem = make(chan struct{}, cfg.MaxConcurrentRenders)
	}

	return &Server{
		cfg:      cfg,
		store:    store,
		loader:   &config.Loader{Store: store, Logger: logger},
		comp:     &compositor.Compositor{Resolver: resolver, Logger: logger},
		splitter: &cubemap.Splitter{
			FaceWorkers: cfg.FaceWorkers,
			JPEGQuality: cfg.JPEGQuality,
			Logger:      logger,
		},
		registry:         status.NewRegistry(),
		logger:           logger,
		locks:            newLockTable(cfg.MaxRenderLocks),
		activeBackground: make(map[string]struct{}),
		renderSem:        sem,
	}
}

// Registry exposes the build-status registry (the serve command wires it
// into diagnostics; tests inspect it).
func (s *Server) Registry() *status.Registry {
	return s.registry
}

// Wait blocks until scheduled background renders finish. Used on shutdown
// and by tests.
func (s *Server) Wait() {
	s.background.Wait()
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() http.Handler {
	if len(s.cfg.CORSOrigins) == 0 {
		s.logger.Warn("no CORS origins configured; cross-origin requests will be rejected")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/render", s.handleRender)
	mux.HandleFunc("POST /api/render2d", s.handleRender2D)
	mux.HandleFunc("GET /api/render/events", s.handleRenderEvents)
	mux.HandleFunc("GET /api/status/{build}", s.handleStatus)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /panoconfig360_cache/cubemap/{client}/{scene}/tiles/{build}/{filename}", s.handleLegacyTile)

	return s.withCORS(mux)
}

// withCORS allows the configured origins only. With no configuration every
// cross-origin request is left without CORS headers.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && slices.Contains(s.cfg.CORSOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// manifest is the tile-URL template clients expand into tile fetches.
type manifest struct {
	BaseURL  string `json:"baseUrl"`
	TileRoot string `json:"tileRoot"`
	Pattern  string `json:"pattern"`
	Build    string `json:"build"`
}

func (s *Server) manifestFor(tileRoot, build string) manifest {
	return manifest{
		BaseURL:  s.cfg.PublicURLBase,
		TileRoot: tileRoot,
		Pattern:  build + "_{f}_{z}_{x}_{y}.jpg",
		Build:    build,
	}
}

func tileRootFor(clientID, sceneID, build string) string {
	return "clients/" + clientID + "/cubemap/" + sceneID + "/tiles/" + build
}

func renderKeyFor(clientID, sceneID, build string) string {
	return clientID + ":" + sceneID + ":" + build
}

// allowRequest applies the global rate limit: one accepted render per
// MinInterval, tracked by a single guarded timestamp.
func (s *Server) allowRequest() bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	now := time.Now()
	if !s.lastRequest.IsZero() && now.Sub(s.lastRequest) < s.cfg.MinInterval {
		return false
	}
	s.lastRequest = now
	return true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps an error to its taxonomy status code with a readable
// detail; internals never leak beyond a generic message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := fault.HTTPStatus(err)
	body := map[string]any{"detail": err.Error()}
	if code == http.StatusInternalServerError {
		s.logger.Error("internal error", "error", err)
		body["detail"] = "internal error"
	}
	if kind := fault.Kind(err); kind != "" {
		body["kind"] = kind
	}
	writeJSON(w, code, body)
}
