package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/arielsmarin/straty-backend-stable/internal/config"
	"github.com/arielsmarin/straty-backend-stable/internal/fault"
	"github.com/arielsmarin/straty-backend-stable/internal/ids"
	"github.com/arielsmarin/straty-backend-stable/internal/status"
)

var (
	tileRootRe = regexp.MustCompile(`^clients/[a-z0-9-]+/cubemap/[a-z0-9-]+/tiles/[0-9a-z]+$`)
	tileFileRe = regexp.MustCompile(`^[0-9a-z]+_[fblrud]_[01]_\d+_\d+\.jpg$`)
)

type renderRequest struct {
	Client    string            `json:"client"`
	Scene     string            `json:"scene"`
	Selection map[string]string `json:"selection"`
}

func decodeRenderRequest(r *http.Request) (*renderRequest, error) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("%w: malformed body: %v", fault.ErrInvalidInput, err)
	}
	if err := ids.ValidateSafeID(req.Client, "client"); err != nil {
		return nil, err
	}
	if err := ids.ValidateSafeID(req.Scene, "scene"); err != nil {
		return nil, err
	}
	if req.Selection == nil {
		return nil, fmt.Errorf("%w: selection missing", fault.ErrInvalidInput)
	}
	return &req, nil
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if !s.allowRequest() {
		s.writeError(w, fmt.Errorf("%w: wait a moment before rendering again", fault.ErrTooManyRequests))
		return
	}

	req, err := decodeRenderRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	project, _, err := s.loader.Load(r.Context(), req.Client)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sceneCtx, err := config.ResolveSceneContext(project, req.Scene, s.cfg.CacheRoot)
	if err != nil {
		s.writeError(w, err)
		return
	}

	build := ids.BuildString(sceneCtx.SceneIndex, sceneCtx.BuildLayers(), req.Selection)
	tileRoot := tileRootFor(req.Client, sceneCtx.SceneID, build)
	metadataKey := tileRoot + "/metadata.json"
	renderKey := renderKeyFor(req.Client, sceneCtx.SceneID, build)
	tiles := s.manifestFor(tileRoot, build)

	s.logger.Info("render requested", "render_key", renderKey)

	cached, err := s.store.Exists(r.Context(), metadataKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cached {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "cached", "build": build, "tiles": tiles,
		})
		return
	}

	lock := s.locks.get(renderKey)
	lock.Lock()
	defer lock.Unlock()

	// A concurrent duplicate may have published while we waited for the lock.
	cached, err = s.store.Exists(r.Context(), metadataKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cached {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "cached", "build": build, "tiles": tiles,
		})
		return
	}

	if s.renderSem != nil {
		select {
		case s.renderSem <- struct{}{}:
		default:
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status": "queued", "build": build, "tiles": tiles,
				"reason": "render_capacity",
			})
			return
		}
	}

	s.activeMu.Lock()
	s.activeBackground[renderKey] = struct{}{}
	s.activeMu.Unlock()

	now := time.Now()
	s.registry.SetStatus(build, status.StateProcessing, status.Fields{
		TileRoot:  tileRoot,
		StartedAt: &now,
	})

	if err := s.runLOD0(r.Context(), sceneCtx, req.Client, req.Selection, build, tileRoot, metadataKey); err != nil {
		failedAt := time.Now()
		s.registry.SetStatus(build, status.StateError, status.Fields{
			Error:    err.Error(),
			FailedAt: &failedAt,
		})
		s.activeMu.Lock()
		delete(s.activeBackground, renderKey)
		s.activeMu.Unlock()
		if s.renderSem != nil {
			<-s.renderSem
		}
		s.writeError(w, err)
		return
	}

	s.background.Add(1)
	go func() {
		defer s.background.Done()
		// the request context dies with the response; the background render
		// gets its own
		s.runLOD1(context.Background(), req.Client, sceneCtx.SceneID, req.Selection, build, tileRoot, metadataKey)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "processing", "build": build, "tiles": tiles,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	build := r.PathValue("build")
	if err := ids.ValidateBuildString(build); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": status.StateIdle})
		return
	}

	clientID := r.URL.Query().Get("client")
	sceneID := r.URL.Query().Get("scene")
	scoped := ids.ValidateSafeID(clientID, "client") == nil && ids.ValidateSafeID(sceneID, "scene") == nil

	var tileRoot string
	if scoped {
		tileRoot = tileRootFor(clientID, sceneID, build)

		var meta metadataPayload
		err := s.store.GetJSON(r.Context(), tileRoot+"/metadata.json", &meta)
		if err == nil && meta.Status == "ready" && meta.TilesCount > 0 {
			// Published and complete; make the in-memory view agree even if
			// the process restarted mid-render.
			s.registry.SetStatus(build, status.StateCompleted, status.Fields{
				TileRoot:      tileRoot,
				TilesUploaded: status.Int(meta.TilesCount),
				TilesTotal:    status.Int(meta.TilesCount),
				Progress:      status.Float(1.0),
				FacesReady:    status.Bool(true),
				TilesReady:    status.Bool(true),
				LODReady:      status.Int(status.LOD1),
			})
		} else if err != nil && !errors.Is(err, fault.ErrNotFound) {
			s.logger.Warn("metadata probe failed", "build", build, "error", err)
		}
	}

	rec := s.registry.Get(build)
	if rec.Status == status.StateIdle {
		writeJSON(w, http.StatusOK, map[string]any{"status": status.StateIdle})
		return
	}

	// completed only holds with a real published tile set fully uploaded
	if rec.Status == status.StateCompleted &&
		(rec.TilesTotal <= 0 || rec.TilesUploaded < rec.TilesTotal) {
		rec.Status = status.StateProcessing
	}

	resp := map[string]any{
		"build":          build,
		"status":         rec.Status,
		"tiles_uploaded": rec.TilesUploaded,
		"progress":       rec.Progress,
	}
	if rec.TilesTotal > 0 {
		resp["tiles_total"] = rec.TilesTotal
	}
	if rec.LODReady != status.LODNone {
		resp["percent_complete"] = rec.PercentComplete
		resp["faces_ready"] = rec.FacesReady
		resp["tiles_ready"] = rec.TilesReady
		resp["lod_ready"] = rec.LODReady
	}
	if rec.Error != "" {
		resp["error"] = rec.Error
	}
	if scoped {
		root := rec.TileRoot
		if root == "" {
			root = tileRoot
		}
		resp["tiles"] = s.manifestFor(root, build)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRenderEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tileRoot := q.Get("tile_root")
	if !tileRootRe.MatchString(tileRoot) {
		s.writeError(w, fmt.Errorf("%w: tile_root", fault.ErrInvalidInput))
		return
	}

	cursor := 0
	if raw := q.Get("cursor"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			s.writeError(w, fmt.Errorf("%w: cursor", fault.ErrInvalidInput))
			return
		}
		cursor = v
	}

	limit := 200
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 500 {
			s.writeError(w, fmt.Errorf("%w: limit must be in [1,500]", fault.ErrInvalidInput))
			return
		}
		limit = v
	}

	events, next, err := s.store.ReadJSONLSlice(r.Context(), tileRoot+"/tile_events.ndjson", cursor, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	completed := false
	var meta metadataPayload
	if err := s.store.GetJSON(r.Context(), tileRoot+"/metadata.json", &meta); err == nil {
		completed = meta.Status == "ready"
	}

	if events == nil {
		events = []json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"data": map[string]any{
			"events":    events,
			"cursor":    next,
			"hasMore":   len(events) == limit,
			"completed": completed,
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": ServiceName,
		"version": s.cfg.Version,
	})
}

// handleLegacyTile answers the pre-CDN tile path with a permanent redirect
// to the public store URL.
func (s *Server) handleLegacyTile(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client")
	sceneID := r.PathValue("scene")
	build := r.PathValue("build")
	filename := r.PathValue("filename")

	if err := ids.ValidateSafeID(clientID, "client"); err != nil {
		s.writeError(w, err)
		return
	}
	if err := ids.ValidateSafeID(sceneID, "scene"); err != nil {
		s.writeError(w, err)
		return
	}
	if err := ids.ValidateBuildString(build); err != nil {
		s.writeError(w, err)
		return
	}
	if !tileFileRe.MatchString(filename) {
		s.writeError(w, fmt.Errorf("%w: tile filename", fault.ErrInvalidInput))
		return
	}
	if len(filename) <= len(build) || filename[:len(build)+1] != build+"_" {
		s.writeError(w, fmt.Errorf("%w: tile does not belong to build", fault.ErrInvalidInput))
		return
	}

	key := tileRootFor(clientID, sceneID, build) + "/" + filename
	http.Redirect(w, r, s.store.PublicURL(key), http.StatusMovedPermanently)
}
