package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/roadnet/pkg/api"
	"github.com/rmax-ai/roadnet/pkg/blob"
	"github.com/rmax-ai/roadnet/pkg/engine"
	"github.com/rmax-ai/roadnet/pkg/store"
	"github.com/rmax-ai/roadnet/pkg/store/redis"
	"github.com/rmax-ai/roadnet/pkg/world"
)

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "roadnet-d: %v\n", err)
		os.Exit(2)
	}

	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout))

	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the -log-level and -log-format
// flags.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if formatStr == "text" {
		handler = slog.NewTextHandler(outW, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}

// backend is the persistence chosen by -backend.
type backend struct {
	persister engine.Persister
	leases    store.LeaseStore
	snapshots api.SnapshotLister
	pruner    engine.SnapshotPruner
	close     func() error
}

func openBackend(ctx context.Context, cfg Config) (*backend, error) {
	switch cfg.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		ws := redis.NewWorldStore(client, cfg.History)
		slog.Info("store_initialized", "backend", "redis", "addr", cfg.RedisAddr)
		return &backend{
			persister: ws,
			leases:    redis.NewLeaseStore(client),
			snapshots: redisHistory{ws},
			close:     client.Close,
		}, nil

	case "blob":
		ws := blob.NewWorldStore(blob.NewLocalBlobStore(cfg.BlobDir), cfg.History)
		slog.Info("store_initialized", "backend", "blob", "path", cfg.BlobDir)
		return &backend{
			persister: ws,
			close:     func() error { return nil },
		}, nil

	default:
		st, err := store.NewStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to init store: %w", err)
		}
		slog.Info("store_initialized", "backend", "sqlite", "path", cfg.DBPath)
		return &backend{
			persister: st,
			leases:    st,
			snapshots: st,
			pruner:    st,
			close:     st.Close,
		}, nil
	}
}

// redisHistory serves /v1/snapshots from the Redis history list.
type redisHistory struct {
	ws *redis.WorldStore
}

func (h redisHistory) ListSnapshots(ctx context.Context, worldID string, limit int) ([]store.SnapshotInfo, error) {
	infos, err := h.ws.History(ctx, worldID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

func loadPipeline(path string) (engine.ConfigProvider, *engine.FileConfig, error) {
	if path == "" {
		slog.Info("pipeline_config_defaults")
		return engine.StaticConfig(engine.DefaultPipelineConfig()), nil, nil
	}
	fc, err := engine.NewFileConfig(path)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("pipeline_config_loaded", "path", path)
	return fc, fc, nil
}

func run(cfg Config) error {
	slog.Info("system_started", "component", "roadnet-d", "world", cfg.WorldID, "backend", cfg.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, fileConfig, err := loadPipeline(cfg.PipelinePath)
	if err != nil {
		return err
	}

	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			slog.Error("failed_to_close_store", "error", err)
		} else {
			slog.Info("store_closed")
		}
	}()

	w := world.NewGridWorld(cfg.WorldSeed, world.GridConfig{PartitionSize: pipeline.Current().PartitionSize})
	w.Populate(cfg.WorldPOIs, cfg.WorldExtent, "village", "outpost", "temple")
	w.Tag("landmarks", "temple")

	handoff := engine.NewHandoff()
	var async *engine.AsyncRequester
	opts := engine.Options{
		WorldID:    cfg.WorldID,
		WorldSeed:  cfg.WorldSeed,
		Config:     pipeline,
		Discovery:  w,
		Placer:     w,
		Decorator:  w,
		PathFinder: w,
		Handoff:    handoff,
	}
	if cfg.PathWorkers > 0 {
		async = engine.NewAsyncRequester(w, handoff, cfg.PathWorkers, 0)
		opts.Requester = async
	}
	controller := engine.NewController(opts)

	flusher := engine.NewFlushWorker(controller, be.persister, cfg.FlushInterval)
	rt := engine.NewRuntime(controller, flusher, cfg.TickRate)

	var pruner *engine.PruneWorker
	if be.pruner != nil {
		pruner = engine.NewPruneWorker(be.pruner, cfg.WorldID, cfg.History, 10*cfg.FlushInterval)
	}

	var archiver *engine.ArchiveWorker
	if cfg.ArchiveDir != "" {
		archiver = engine.NewArchiveWorker(be.persister, blob.NewLocalBlobStore(cfg.ArchiveDir), cfg.WorldID, engine.ArchiveConfig{
			Enabled:       true,
			CheckInterval: cfg.ArchiveEvery,
		})
	}

	srv := api.NewServer(controller, cfg.Addr)
	if be.snapshots != nil {
		srv.SetSnapshotLister(be.snapshots)
	}

	var lock *engine.WorldLock
	if be.leases != nil && !cfg.NoLock {
		hostname, _ := os.Hostname()
		holderID := fmt.Sprintf("%s-%s", hostname, uuid.NewString())
		lock = engine.NewWorldLock(be.leases, cfg.WorldID, holderID, cfg.LockTTL, nil, nil)
		rt.WithOwner(lock)
		srv.SetOwner(lock)
		if pruner != nil {
			pruner.WithOwner(lock)
		}
		if archiver != nil {
			archiver.WithOwner(lock)
		}
		slog.Info("world_lock_enabled", "world", cfg.WorldID, "holder_id", holderID, "ttl", cfg.LockTTL)
	} else if _, err := engine.LoadWorld(ctx, be.persister, controller); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if lock != nil {
		lock.Start(gctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			lock.Stop(stopCtx)
		}()
	}

	g.Go(func() error {
		return rt.Run(gctx)
	})
	if async != nil {
		g.Go(func() error {
			return async.Run(gctx)
		})
	}
	if pruner != nil {
		g.Go(func() error {
			pruner.Run(gctx)
			return nil
		})
	}
	if archiver != nil {
		g.Go(func() error {
			archiver.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		watchReload(gctx, fileConfig, hup)
		return nil
	})

	<-gctx.Done()
	slog.Info("shutdown_initiated", "reason", context.Cause(gctx))

	err = g.Wait()
	slog.Info("shutdown_complete")
	return err
}

// watchReload re-reads the pipeline config on SIGHUP. The controller picks
// the new values up on its next cycle.
func watchReload(ctx context.Context, fc *engine.FileConfig, hup <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if fc == nil {
				slog.Warn("config_reload_skipped", "reason", "no pipeline config file")
				continue
			}
			if err := fc.Reload(); err != nil {
				slog.Error("config_reload_failed", "error", err)
				continue
			}
			slog.Info("config_reloaded", "interval", time.Duration(fc.Current().Interval))
		}
	}
}
