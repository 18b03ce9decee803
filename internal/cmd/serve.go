package cmd

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arielsmarin/straty-backend-stable/internal/server"
	"github.com/arielsmarin/straty-backend-stable/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the render API in front of the tile cache",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "0.0.0.0:8000", "Listen address (host:port)")
	serveCmd.Flags().String("storage-backend", "r2", "Object store backend (r2, local)")
	serveCmd.Flags().String("public-url-base", "", "Public base URL tiles are served from")
	serveCmd.Flags().String("cache-root", "panoconfig360_cache", "Local asset/staging cache directory")
	serveCmd.Flags().String("cors-origins", "", "Comma-separated allowed CORS origins")

	serveCmd.Flags().Int("tile-workers", 4, "Parallel tile upload workers")
	serveCmd.Flags().Int("face-workers", 0, "Parallel cubemap face workers (0 = auto, clamped to [1,6])")
	serveCmd.Flags().Int("jpeg-quality", 85, "JPEG quality for published tiles")
	serveCmd.Flags().Float64("min-interval", 1.0, "Seconds between accepted render requests")
	serveCmd.Flags().Int("max-render-locks", 256, "Capacity of the per-build lock table")
	serveCmd.Flags().Int("max-concurrent-renders", 0, "Max active render pipelines (0 = unbounded)")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("storage.backend", "storage-backend")
	mustBind("storage.public_url", "public-url-base")
	mustBind("storage.cache_root", "cache-root")
	mustBind("serve.cors_origins", "cors-origins")
	mustBind("serve.tile_workers", "tile-workers")
	mustBind("serve.face_workers", "face-workers")
	mustBind("serve.jpeg_quality", "jpeg-quality")
	mustBind("serve.min_interval", "min-interval")
	mustBind("serve.max_render_locks", "max-render-locks")
	mustBind("serve.max_concurrent_renders", "max-concurrent-renders")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	storeCfg := storage.Config{
		Backend:           viper.GetString("storage.backend"),
		PublicURLBase:     viper.GetString("storage.public_url"),
		CacheRoot:         viper.GetString("storage.cache_root"),
		R2AccountID:       viper.GetString("storage.r2_account_id"),
		R2AccessKeyID:     viper.GetString("storage.r2_access_key"),
		R2SecretAccessKey: viper.GetString("storage.r2_secret_key"),
		R2Bucket:          viper.GetString("storage.r2_bucket"),
		R2Endpoint:        viper.GetString("storage.r2_endpoint"),
	}

	store, err := storage.New(context.Background(), storeCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init storage backend: %w", err)
	}

	var origins []string
	for _, origin := range strings.Split(viper.GetString("serve.cors_origins"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}

	srv := server.New(store, server.Config{
		CacheRoot:            viper.GetString("storage.cache_root"),
		PublicURLBase:        viper.GetString("storage.public_url"),
		CORSOrigins:          origins,
		MinInterval:          time.Duration(viper.GetFloat64("serve.min_interval") * float64(time.Second)),
		MaxRenderLocks:       viper.GetInt("serve.max_render_locks"),
		MaxConcurrentRenders: viper.GetInt("serve.max_concurrent_renders"),
		TileWorkers:          viper.GetInt("serve.tile_workers"),
		FaceWorkers:          viper.GetInt("serve.face_workers"),
		JPEGQuality:          viper.GetInt("serve.jpeg_quality"),
	}, logger)

	addr := viper.GetString("serve.addr")
	logger.Info("render backend listening",
		"addr", addr,
		"storage_backend", storeCfg.Backend,
		"public_url_base", storeCfg.PublicURLBase,
		"cache_root", storeCfg.CacheRoot,
		"tile_workers", viper.GetInt("serve.tile_workers"),
		"cors_origins", origins,
	)

	httpSrv := &http.Server{Addr: addr, Handler: srv.Routes(), ReadHeaderTimeout: 5 * time.Second}
	return httpSrv.ListenAndServe()
}
