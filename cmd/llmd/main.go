package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"llmd/internal/artifact"
	"llmd/internal/config"
	"llmd/internal/engine"
	"llmd/internal/httpapi"
	"llmd/internal/rpc"
	"llmd/pkg/types"
)

var (
	flagConfig    string
	flagAddr      string
	flagModelsDir string
	flagTransport string
	flagLogLevel  string
	flagPreload   []string
)

func main() {
	root := &cobra.Command{
		Use:   "llmd",
		Short: "Local model-serving daemon",
		Long:  "llmd loads model pipelines and serves OpenAI-compatible chat, completion, and embedding endpoints.",
		RunE:  runServe,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (.yaml, .json, .toml)")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "listen address (overrides config)")
	root.PersistentFlags().StringVar(&flagModelsDir, "models-dir", "", "directory scanned for model files (overrides config)")
	root.PersistentFlags().StringVar(&flagTransport, "transport", "", "engine transport: local, worker, or service")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	root.Flags().StringSliceVar(&flagPreload, "load", nil, "model ids to load at startup")

	root.AddCommand(&cobra.Command{
		Use:   "models",
		Short: "List registered model records",
		RunE:  runModels,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	var cfg config.Config
	if flagConfig != "" {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return cfg, err
		}
	}
	if flagAddr != "" {
		cfg.Addr = flagAddr
	}
	if flagModelsDir != "" {
		cfg.ModelsDir = flagModelsDir
	}
	if flagTransport != "" {
		cfg.Transport = flagTransport
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(flagLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func buildRecords(cfg config.Config, log zerolog.Logger) ([]types.ModelRecord, error) {
	records := append([]types.ModelRecord(nil), cfg.Models...)
	if cfg.ModelsDir != "" {
		scanned, err := config.ScanDir(cfg.ModelsDir)
		if err != nil {
			return nil, err
		}
		log.Info().Int("count", len(scanned)).Str("dir", cfg.ModelsDir).Msg("scanned models directory")
		records = append(records, scanned...)
	}
	return records, nil
}

func buildStore(cfg config.Config) (artifact.Store, error) {
	switch cfg.CacheBackend {
	case "memory":
		return artifact.NewMemoryStore(), nil
	case "sqlite":
		dir := cfg.CacheDir
		if dir == "" {
			dir = "."
		}
		dir, err := config.ExpandHome(dir)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return artifact.NewSQLiteStore(filepath.Join(dir, "artifacts.db"))
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", cfg.CacheBackend)
	}
}

func buildEngine(cfg config.Config, log zerolog.Logger, progress engine.ProgressFunc) (*engine.Engine, error) {
	records, err := buildRecords(cfg, log)
	if err != nil {
		return nil, err
	}
	mode, err := artifact.ParseVerifyMode(cfg.IntegrityMode)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	cache := artifact.NewCache(cfg.CacheScope, store,
		artifact.WithVerifier(artifact.NewVerifier(mode, log)),
		artifact.WithLogger(log),
	)
	return engine.New(engine.Options{
		Records:       records,
		Cache:         cache,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       cfg.MaxWait(),
		DrainTimeout:  cfg.DrainTimeout(),
		Progress:      progress,
		Logger:        &log,
	}), nil
}

// buildService wires the engine behind the configured transport and returns
// the HTTP-facing service plus a shutdown func.
func buildService(cfg config.Config, log zerolog.Logger) (httpapi.Service, func(), error) {
	switch cfg.Transport {
	case "local":
		eng, err := buildEngine(cfg, log, nil)
		if err != nil {
			return nil, nil, err
		}
		return httpapi.NewEngineService(eng), func() { eng.Close() }, nil

	case "worker":
		eng, err := buildEngine(cfg, log, nil)
		if err != nil {
			return nil, nil, err
		}
		w := rpc.NewWorker(eng, &log)
		client := rpc.NewClient(w.ClientChannel(), rpc.WithLogger(log))
		return httpapi.NewClientService(client), func() {
			client.Close()
			w.Stop()
			eng.Close()
		}, nil

	case "service":
		svc, err := rpc.NewService(func(progress engine.ProgressFunc) (*engine.Engine, error) {
			return buildEngine(cfg, log, progress)
		}, &log)
		if err != nil {
			return nil, nil, err
		}
		client := rpc.NewClient(svc.ClientChannel(),
			rpc.WithLogger(log),
			rpc.WithHeartbeat(time.Duration(cfg.HeartbeatIntervalSec)*time.Second),
		)
		return httpapi.NewClientService(client), func() {
			client.Close()
			svc.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown transport: %q", cfg.Transport)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	httpapi.SetLogger(log)

	svc, shutdown, err := buildService(cfg, log)
	if err != nil {
		return err
	}
	defer shutdown()

	preload := flagPreload
	if len(preload) == 0 && cfg.DefaultModel != "" {
		preload = []string{cfg.DefaultModel}
	}
	if len(preload) > 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
		err := svc.Reload(ctx, preload, nil)
		cancel()
		if err != nil {
			return fmt.Errorf("preload: %w", err)
		}
		log.Info().Strs("models", preload).Msg("models preloaded")
	}

	router := httpapi.NewRouter(svc, httpapi.Options{
		CORSEnabled:    cfg.CORSEnabled,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})
	srv := httpapi.NewServer(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("transport", cfg.Transport).Msg("llmd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func runModels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	records, err := buildRecords(cfg, newLogger())
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no models registered")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%-30s %-10s %s\n", rec.ID, rec.Library, rec.Locator)
	}
	return nil
}
