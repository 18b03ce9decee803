package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/arielsmarin/straty-backend-stable/internal/config"
	"github.com/arielsmarin/straty-backend-stable/internal/status"
	"github.com/arielsmarin/straty-backend-stable/internal/storage"
	"github.com/arielsmarin/straty-backend-stable/internal/uploader"
)

// metadataPayload is the blob published next to the tiles. It is written
// twice: status "processing" after LOD0 and "ready" after LOD1.
type metadataPayload struct {
	Client               string `json:"client"`
	Scene                string `json:"scene"`
	Build                string `json:"build"`
	TileRoot             string `json:"tileRoot"`
	GeneratedAt          int64  `json:"generated_at"`
	Status               string `json:"status"`
	LastStage            string `json:"last_stage"`
	LOD0TilesCount       int    `json:"lod0_tiles_count,omitempty"`
	BackgroundTilesCount int    `json:"background_tiles_count,omitempty"`
	TilesCount           int    `json:"tiles_count,omitempty"`
}

func (s *Server) writeMetadata(ctx context.Context, key string, payload metadataPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.store.PutBytes(ctx, key, body, "application/json")
}

// tileEvent is one NDJSON line in the build's event log.
type tileEvent struct {
	Tile  string `json:"tile"`
	State string `json:"state"`
	LOD   int    `json:"lod"`
	TS    int64  `json:"ts"`
}

func (s *Server) appendTileEvent(ctx context.Context, tileRoot, filename, state string, lod int) {
	event := tileEvent{Tile: filename, State: state, LOD: lod, TS: time.Now().Unix()}
	if err := s.store.AppendJSONL(ctx, tileRoot+"/tile_events.ndjson", event); err != nil {
		s.logger.Warn("could not append tile event", "tile", filename, "error", err)
	}
}

// runLOD0 is the synchronous, user-visible half of the pipeline: composite,
// split the coarse level in memory, upload in parallel, publish "processing"
// metadata.
func (s *Server) runLOD0(ctx context.Context, sceneCtx *config.SceneContext, clientID string, selection map[string]string, build, tileRoot, metadataKey string) error {
	start := time.Now()

	stack, err := s.comp.StackLayers(sceneCtx.SceneID, sceneCtx.Layers, selection, sceneCtx.AssetsRoot, "")
	if err != nil {
		return err
	}

	tiles, err := s.splitter.SplitToMemory(stack, build, 0, 0)
	if err != nil {
		return err
	}

	total := len(tiles)
	if total < DefaultTilesTotal {
		total = DefaultTilesTotal
	}
	s.registry.SetStatus(build, status.StateUploading, status.Fields{
		TileRoot:   tileRoot,
		TilesTotal: status.Int(total),
	})

	blobs := make([]storage.Tile, 0, len(tiles))
	for _, tile := range tiles {
		blobs = append(blobs, storage.Tile{Key: tileRoot + "/" + tile.Filename, Body: tile.Body})
	}
	names := make(map[string]int, len(tiles))
	for _, tile := range tiles {
		names[tileRoot+"/"+tile.Filename] = tile.LOD
	}

	err = storage.PutTilesParallel(ctx, s.store, blobs, s.cfg.TileWorkers, func(key string) {
		s.registry.IncrementTilesUploaded(build)
		s.appendTileEvent(ctx, tileRoot, key[len(tileRoot)+1:], uploader.StateVisible, names[key])
	}, s.logger)
	if err != nil {
		return err
	}

	s.registry.SetStatus(build, status.StateProcessing, status.Fields{
		FacesReady: status.Bool(true),
		TilesReady: status.Bool(true),
		LODReady:   status.Int(status.LOD0),
	})

	if err := s.writeMetadata(ctx, metadataKey, metadataPayload{
		Client:         clientID,
		Scene:          sceneCtx.SceneID,
		Build:          build,
		TileRoot:       tileRoot,
		GeneratedAt:    time.Now().Unix(),
		Status:         "processing",
		LastStage:      "lod0_ready",
		LOD0TilesCount: len(tiles),
	}); err != nil {
		return fmt.Errorf("publish metadata: %w", err)
	}

	s.logger.Info("lod0 ready",
		"build", build,
		"tiles", len(tiles),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// runLOD1 is the background half: recomposite, stream the fine level through
// the upload queue, overwrite metadata as "ready" and complete the build.
// Failures never reach the original HTTP response; they surface through the
// status endpoint.
func (s *Server) runLOD1(ctx context.Context, clientID, sceneID string, selection map[string]string, build, tileRoot, metadataKey string) {
	renderKey := renderKeyFor(clientID, sceneID, build)
	start := time.Now()

	defer func() {
		s.activeMu.Lock()
		delete(s.activeBackground, renderKey)
		s.activeMu.Unlock()
		if s.renderSem != nil {
			<-s.renderSem
		}
		s.logger.Info("background lod render finished", "render_key", renderKey, "elapsed_ms", time.Since(start).Milliseconds())
	}()

	fail := func(err error) {
		now := time.Now()
		s.registry.SetStatus(build, status.StateError, status.Fields{
			Error:    err.Error(),
			FailedAt: &now,
		})
		s.logger.Error("background lod render failed", "render_key", renderKey, "error", err)
	}

	project, _, err := s.loader.Load(ctx, clientID)
	if err != nil {
		fail(err)
		return
	}
	sceneCtx, err := config.ResolveSceneContext(project, sceneID, s.cfg.CacheRoot)
	if err != nil {
		fail(err)
		return
	}

	stack, err := s.comp.StackLayers(sceneCtx.SceneID, sceneCtx.Layers, selection, sceneCtx.AssetsRoot, "")
	if err != nil {
		fail(err)
		return
	}

	tmpDir, err := os.MkdirTemp("", build+"_bg_")
	if err != nil {
		fail(err)
		return
	}
	defer os.RemoveAll(tmpDir)

	lod0Count := s.registry.Get(build).TilesUploaded
	total := lod0Count + 6*16
	s.registry.SetStatus(build, status.StateUploading, status.Fields{
		TilesTotal: status.Int(total),
	})

	queue := uploader.New(tileRoot, s.store.PutFile, uploader.Options{
		Workers: s.cfg.TileWorkers,
		Logger:  s.logger,
		OnStateChange: func(filename, state string, lod int) {
			s.appendTileEvent(ctx, tileRoot, filename, state, lod)
			if state == uploader.StateVisible {
				s.registry.IncrementTilesUploaded(build)
			}
		},
	})
	queue.Start(ctx)

	_, splitErr := s.splitter.SplitToDirectory(stack, tmpDir, build, 1, 1, func(path, filename string, lod int) {
		queue.Enqueue(path, filename, lod)
	})
	uploadErr := queue.CloseAndWait()

	if splitErr != nil {
		fail(splitErr)
		return
	}
	if uploadErr != nil {
		fail(uploadErr)
		return
	}

	uploaded := queue.UploadedCount()
	if err := s.writeMetadata(ctx, metadataKey, metadataPayload{
		Client:               clientID,
		Scene:                sceneID,
		Build:                build,
		TileRoot:             tileRoot,
		GeneratedAt:          time.Now().Unix(),
		Status:               "ready",
		LastStage:            "background_lods_done",
		BackgroundTilesCount: uploaded,
		TilesCount:           lod0Count + uploaded,
	}); err != nil {
		fail(fmt.Errorf("publish metadata: %w", err))
		return
	}

	now := time.Now()
	s.registry.SetStatus(build, status.StateCompleted, status.Fields{
		Progress:    status.Float(1.0),
		LODReady:    status.Int(status.LOD1),
		CompletedAt: &now,
	})
}
