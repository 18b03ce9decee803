package server

import (
	"fmt"
	"net/http"

	"github.com/arielsmarin/straty-backend-stable/internal/config"
	"github.com/arielsmarin/straty-backend-stable/internal/ids"
	"github.com/arielsmarin/straty-backend-stable/internal/imaging"
)

// jpegQuality2D matches the original flat-render encoder setting.
const jpegQuality2D = 80

// handleRender2D composites the flat preview for a selection and publishes a
// single JPEG. No tile pyramid, no background work; caching is keyed on the
// rendered object itself.
func (s *Server) handleRender2D(w http.ResponseWriter, r *http.Request) {
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
	key := fmt.Sprintf("clients/%s/renders/%s/2d_%s.jpg", req.Client, sceneCtx.SceneID, build)

	s.logger.Info("2d render requested", "client", req.Client, "scene", sceneCtx.SceneID, "build", build)

	cached, err := s.store.Exists(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cached {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "cached",
			"client": req.Client,
			"scene":  sceneCtx.SceneID,
			"build":  build,
			"url":    s.store.PublicURL(key),
		})
		return
	}

	img, err := s.comp.StackLayers(sceneCtx.SceneID, sceneCtx.Layers, req.Selection, sceneCtx.AssetsRoot, "2d_")
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := imaging.EncodeJPEG(img, jpegQuality2D)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.PutBytes(r.Context(), key, body, "image/jpeg"); err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "generated",
		"client": req.Client,
		"scene":  sceneCtx.SceneID,
		"build":  build,
		"url":    s.store.PublicURL(key),
	})
}
