package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arielsmarin/straty-backend-stable/internal/status"
	"github.com/arielsmarin/straty-backend-stable/internal/storage"
)

const testPublicURL = "https://cdn.example.com"

const testClientCfg = `{
	"scenes": {
		"kitchen": {
			"scene_index": 0,
			"layers": [
				{"id": "floor", "build_order": 0, "mask": "floor_mask.png",
				 "items": [{"id": "marble", "index": 1, "file": "marble.jpg"},
				           {"id": "oak", "index": 2, "file": "oak.jpg"}]},
				{"id": "walls", "build_order": 1, "mask": "walls_mask.png",
				 "items": [{"id": "white", "index": 2, "file": "white.jpg"}]}
			]
		}
	}
}`

type testEnv struct {
	srv       *Server
	handler   http.Handler
	store     storage.Store
	cacheRoot string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cacheRoot := t.TempDir()
	store, err := storage.New(context.Background(), storage.Config{
		Backend:       "local",
		CacheRoot:     cacheRoot,
		PublicURLBase: testPublicURL,
	}, nil)
	require.NoError(t, err)

	cfg := Config{
		CacheRoot:     cacheRoot,
		PublicURLBase: testPublicURL,
		MinInterval:   time.Nanosecond,
		TileWorkers:   4,
		FaceWorkers:   2,
		JPEGQuality:   50,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv := New(store, cfg, nil)
	return &testEnv{srv: srv, handler: srv.Routes(), store: store, cacheRoot: cacheRoot}
}

func (e *testEnv) seedConfig(t *testing.T, clientID, body string) {
	t.Helper()
	key := fmt.Sprintf("clients/%s/%s_cfg.json", clientID, clientID)
	require.NoError(t, e.store.PutBytes(context.Background(), key, []byte(body), "application/json"))
}

// seedBaseStrip writes a 6H×H base panorama under the scene's asset root.
func (e *testEnv) seedBaseStrip(t *testing.T, clientID, sceneID string, faceSize int, prefix string) {
	t.Helper()
	strip := image.NewNRGBA(image.Rect(0, 0, faceSize*6, faceSize))
	for y := 0; y < faceSize; y++ {
		for x := 0; x < faceSize*6; x++ {
			strip.SetNRGBA(x, y, color.NRGBA{R: uint8(x % 255), G: uint8(y % 255), B: 64, A: 255})
		}
	}
	path := filepath.Join(e.cacheRoot, "clients", clientID, "scenes", sceneID,
		prefix+"base_"+sceneID+".png")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, strip))
}

func (e *testEnv) postJSON(t *testing.T, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func renderPayload() map[string]any {
	return map[string]any{
		"client":    "acme",
		"scene":     "kitchen",
		"selection": map[string]string{"floor": "marble", "walls": "white"},
	}
}

func TestRenderColdThenCached(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, "acme", testClientCfg)
	env.seedBaseStrip(t, "acme", "kitchen", 64, "")

	rec := env.postJSON(t, "/api/render", renderPayload())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "processing", body["status"])
	build := body["build"].(string)
	require.Len(t, build, 12)
	assert.Equal(t, "000102000000", build)

	tiles := body["tiles"].(map[string]any)
	assert.Equal(t, testPublicURL, tiles["baseUrl"])
	assert.Equal(t, "clients/acme/cubemap/kitchen/tiles/"+build, tiles["tileRoot"])
	assert.Equal(t, build+"_{f}_{z}_{x}_{y}.jpg", tiles["pattern"])
	assert.NotContains(t, rec.Body.String(), env.cacheRoot)

	env.srv.Wait()

	tileRoot := "clients/acme/cubemap/kitchen/tiles/" + build
	var meta map[string]any
	require.NoError(t, env.store.GetJSON(context.Background(), tileRoot+"/metadata.json", &meta))
	assert.Equal(t, "ready", meta["status"])
	assert.EqualValues(t, 120, meta["tiles_count"])

	entries, err := os.ReadDir(filepath.Join(env.cacheRoot, filepath.FromSlash(tileRoot)))
	require.NoError(t, err)
	jpgs := 0
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".jpg" {
			jpgs++
		}
	}
	assert.Equal(t, 120, jpgs)

	// Warm cache: identical manifest, no re-render.
	rec = env.postJSON(t, "/api/render", renderPayload())
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "cached", body["status"])
	assert.Equal(t, build, body["build"])
}

func TestRenderRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MinInterval = time.Minute })
	env.seedConfig(t, "acme", testClientCfg)

	// The first request is admitted past the limiter (it fails later on the
	// missing base asset, which is fine here).
	first := env.postJSON(t, "/api/render", renderPayload())
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)

	second := env.postJSON(t, "/api/render", renderPayload())
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, decodeBody(t, second), "detail")
}

func TestRenderValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.postJSON(t, "/api/render", map[string]any{
		"client": "../etc", "scene": "kitchen", "selection": map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/api/render", map[string]any{
		"client": "acme", "scene": "Kitchen!", "selection": map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.postJSON(t, "/api/render", map[string]any{
		"client": "acme", "scene": "kitchen",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenderConfigNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.postJSON(t, "/api/render", renderPayload())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRenderConfigInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, "acme", `{"scenes": {"kitchen": {"layers": [{"id": "a", "build_order": 9, "items": []}]}}}`)

	rec := env.postJSON(t, "/api/render", renderPayload())
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRenderMissingBaseAsset(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, "acme", testClientCfg)

	rec := env.postJSON(t, "/api/render", renderPayload())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "missing_asset", decodeBody(t, rec)["kind"])

	// The failure is visible through the status endpoint too.
	status := env.get(t, "/api/status/000102000000?client=acme&scene=kitchen")
	body := decodeBody(t, status)
	assert.Equal(t, "error", body["status"])
}

func TestRenderSingleFlight(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedConfig(t, "acme", testClientCfg)
	env.seedBaseStrip(t, "acme", "kitchen", 64, "")

	var mu sync.Mutex
	statuses := map[string]int{}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.postJSON(t, "/api/render", renderPayload())
			body := decodeBody(t, rec)
			mu.Lock()
			statuses[body["status"].(string)]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	env.srv.Wait()

	// Exactly one pipeline ran; the duplicate saw the cache (or was itself
	// the one admitted while the other hit the published metadata).
	assert.Equal(t, 1, statuses["processing"])
	assert.Equal(t, 1, statuses["cached"])
}

func TestRenderQueuedAtCapacity(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxConcurrentRenders = 1 })
	env.seedConfig(t, "acme", testClientCfg)

	// Occupy the only render slot.
	env.srv.renderSem <- struct{}{}

	rec := env.postJSON(t, "/api/render", renderPayload())
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "render_capacity", body["reason"])
	assert.NotNil(t, body["tiles"])
}

func TestStatusIdleForInvalidOrUnknownBuild(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get(t, "/api/status/invalid-build?client=acme&scene=kitchen")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "idle"}, decodeBody(t, rec))

	rec = env.get(t, "/api/status/ab0000000000")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "idle"}, decodeBody(t, rec))
}

func TestStatusCompletedFromMetadata(t *testing.T) {
	env := newTestEnv(t, nil)
	meta := `{"status": "ready", "tiles_count": 120, "build": "ab0000000000"}`
	require.NoError(t, env.store.PutBytes(context.Background(),
		"clients/acme/cubemap/kitchen/tiles/ab0000000000/metadata.json", []byte(meta), "application/json"))

	rec := env.get(t, "/api/status/ab0000000000?client=acme&scene=kitchen")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "ab0000000000", body["build"])
	assert.EqualValues(t, 1, body["progress"])
	assert.EqualValues(t, 1, body["lod_ready"])
}

func TestStatusNotCompletedWhenTilesCountZero(t *testing.T) {
	env := newTestEnv(t, nil)
	meta := `{"status": "ready", "tiles_count": 0}`
	require.NoError(t, env.store.PutBytes(context.Background(),
		"clients/acme/cubemap/kitchen/tiles/ab0000000000/metadata.json", []byte(meta), "application/json"))

	rec := env.get(t, "/api/status/ab0000000000?client=acme&scene=kitchen")
	body := decodeBody(t, rec)
	assert.NotEqual(t, "completed", body["status"])
}

func TestStatusUploadProgress(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.Registry().SetStatus("ab0000000000", status.StateUploading, status.Fields{
		TileRoot:   "clients/acme/cubemap/kitchen/tiles/ab0000000000",
		TilesTotal: status.Int(48),
	})
	for i := 0; i < 12; i++ {
		env.srv.Registry().IncrementTilesUploaded("ab0000000000")
	}

	rec := env.get(t, "/api/status/ab0000000000?client=acme&scene=kitchen")
	body := decodeBody(t, rec)
	assert.Equal(t, "uploading", body["status"])
	assert.EqualValues(t, 12, body["tiles_uploaded"])
	assert.EqualValues(t, 48, body["tiles_total"])
	assert.InDelta(t, 0.25, body["progress"].(float64), 1e-9)

	tiles := body["tiles"].(map[string]any)
	assert.Equal(t, testPublicURL, tiles["baseUrl"])
	assert.NotContains(t, rec.Body.String(), env.cacheRoot)
}

func TestStatusCompletedRequiresFullUpload(t *testing.T) {
	env := newTestEnv(t, nil)
	env.srv.Registry().SetStatus("ab0000000000", status.StateCompleted, status.Fields{
		TilesTotal:    status.Int(120),
		TilesUploaded: status.Int(60),
	})

	rec := env.get(t, "/api/status/ab0000000000")
	body := decodeBody(t, rec)
	assert.Equal(t, "processing", body["status"])
}

func TestEventsValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusBadRequest,
		env.get(t, "/api/render/events?tile_root=../../etc").Code)
	assert.Equal(t, http.StatusBadRequest,
		env.get(t, "/api/render/events?tile_root=clients/acme/cubemap/kitchen/tiles/abc&cursor=-1").Code)
	assert.Equal(t, http.StatusBadRequest,
		env.get(t, "/api/render/events?tile_root=clients/acme/cubemap/kitchen/tiles/abc&limit=0").Code)
	assert.Equal(t, http.StatusBadRequest,
		env.get(t, "/api/render/events?tile_root=clients/acme/cubemap/kitchen/tiles/abc&limit=501").Code)
}

func TestEventsSlices(t *testing.T) {
	env := newTestEnv(t, nil)
	tileRoot := "clients/acme/cubemap/kitchen/tiles/ab0000000000"

	for i := 0; i < 5; i++ {
		require.NoError(t, env.store.AppendJSONL(context.Background(),
			tileRoot+"/tile_events.ndjson", map[string]any{"tile": fmt.Sprintf("t%d", i), "state": "visible"}))
	}

	rec := env.get(t, "/api/render/events?tile_root="+tileRoot+"&cursor=0&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	data := body["data"].(map[string]any)
	assert.Len(t, data["events"], 3)
	assert.EqualValues(t, 3, data["cursor"])
	assert.Equal(t, true, data["hasMore"])
	assert.Equal(t, false, data["completed"])

	rec = env.get(t, "/api/render/events?tile_root="+tileRoot+"&cursor=3&limit=3")
	data = decodeBody(t, rec)["data"].(map[string]any)
	assert.Len(t, data["events"], 2)
	assert.EqualValues(t, 5, data["cursor"])

	// empty log slot reads as an empty page, not an error
	rec = env.get(t, "/api/render/events?tile_root=clients/acme/cubemap/kitchen/tiles/zz0000000000&cursor=0&limit=3")
	require.Equal(t, http.StatusOK, rec.Code)
	data = decodeBody(t, rec)["data"].(map[string]any)
	assert.Len(t, data["events"], 0)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.get(t, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, "0.0.1", body["version"])
}

func TestLegacyTileRedirect(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.get(t, "/panoconfig360_cache/cubemap/acme/kitchen/tiles/ab0000000000/ab0000000000_f_0_1_1.jpg")
	require.Equal(t, http.StatusMovedPermanently, rec.Code)

	loc := rec.Header().Get("Location")
	assert.Equal(t, testPublicURL+"/clients/acme/cubemap/kitchen/tiles/ab0000000000/ab0000000000_f_0_1_1.jpg", loc)
	assert.NotContains(t, loc, "panoconfig360_cache")

	// tile must belong to the build in the path
	rec = env.get(t, "/panoconfig360_cache/cubemap/acme/kitchen/tiles/ab0000000000/zz0000000000_f_0_1_1.jpg")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// filename grammar is enforced strictly
	rec = env.get(t, "/panoconfig360_cache/cubemap/acme/kitchen/tiles/ab0000000000/ab0000000000_q_0_1_1.jpg")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.CORSOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/render", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLockTableLRU(t *testing.T) {
	table := newLockTable(2)

	a := table.get("a")
	b := table.get("b")
	assert.Equal(t, 2, table.len())
	assert.NotSame(t, a, b)

	// a is refreshed, so inserting c evicts b
	table.get("a")
	table.get("c")
	assert.Equal(t, 2, table.len())
	assert.Same(t, a, table.get("a"))
	assert.NotSame(t, b, table.get("b")) // b was evicted and recreated
}
