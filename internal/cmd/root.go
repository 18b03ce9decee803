package cmd

import (
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string
var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "panoconfig360",
	Short: "On-demand cubemap tile rendering backend",
	Long: `panoconfig360 composites per-tenant panorama scenes from material and
mask layers, splits them into cube-map faces, publishes JPEG tile pyramids to
an object store and serves the render/status API in front of that cache.`,
}

func Execute() {
	if logger == nil {
		initLogging() // fallback in case cobra init didn't fire
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		panic(fmt.Sprintf("failed to bind flag: %v", err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("PANOCONFIG360")
	viper.AutomaticEnv()

	// The deployment environment uses bare variable names.
	bareEnv := map[string]string{
		"storage.backend":        "STORAGE_BACKEND",
		"storage.public_url":     "PUBLIC_URL_BASE",
		"storage.cache_root":     "CACHE_ROOT",
		"storage.r2_account_id":  "R2_ACCOUNT_ID",
		"storage.r2_access_key":  "R2_ACCESS_KEY_ID",
		"storage.r2_secret_key":  "R2_SECRET_ACCESS_KEY",
		"storage.r2_bucket":      "R2_BUCKET_NAME",
		"storage.r2_endpoint":    "R2_ENDPOINT_URL",
		"serve.cors_origins":     "CORS_ORIGINS",
		"serve.tile_workers":     "TILE_WORKERS",
		"serve.face_workers":     "FACE_WORKERS",
		"serve.min_interval":     "MIN_INTERVAL",
		"serve.max_render_locks": "MAX_RENDER_LOCKS",
	}
	for key, env := range bareEnv {
		if err := viper.BindEnv(key, env); err != nil {
			panic(fmt.Sprintf("failed to bind env: %v", err))
		}
	}

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func initLogging() {
	levelStr := strings.ToLower(viper.GetString("log-level"))
	level := slog.LevelInfo
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error", "err":
		level = slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "Unknown log level %q, defaulting to info\n", levelStr)
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger = slog.New(handler)
	slog.SetDefault(logger)
}
