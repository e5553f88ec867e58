package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAddr          = "127.0.0.1:8095"
	defaultTickRate      = 50 * time.Millisecond
	defaultFlushInterval = time.Minute
	defaultLockTTL       = 15 * time.Second
	defaultBackend       = "sqlite"
	defaultRedisAddr     = "127.0.0.1:6379"
	defaultWorldID       = "overworld"
	defaultWorldPOIs     = 64
	defaultWorldExtent   = 512
	defaultHistory       = 10
	defaultArchiveEvery  = 10 * time.Minute
)

type Config struct {
	DBPath        string
	PipelinePath  string
	Addr          string
	TickRate      time.Duration
	FlushInterval time.Duration
	Backend       string
	RedisAddr     string
	BlobDir       string
	WorldID       string
	WorldSeed     int64
	WorldPOIs     int
	WorldExtent   int
	LockTTL       time.Duration
	NoLock        bool
	PathWorkers   int
	History       int
	ArchiveDir    string
	ArchiveEvery  time.Duration
	LogLevel      string
	LogFormat     string
}

func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, fmt.Errorf("failed to get cwd: %w", err)
	}

	defaultDBPath := filepath.Join(cwd, "roadnet.db")
	defaultBlobDir := filepath.Join(cwd, "snapshots")

	dbPath := envOrDefault("ROADNET_DB_PATH", defaultDBPath)
	pipelinePath := envOrDefaultWithFallback([]string{"ROADNET_PIPELINE_PATH", "ROADNET_CONFIG_PATH"}, "")
	addr := addrFromEnv(defaultAddr)

	tickRate, err := durationFromEnv("ROADNET_TICK_RATE", defaultTickRate)
	if err != nil {
		return Config{}, err
	}
	flushInterval, err := durationFromEnv("ROADNET_FLUSH_INTERVAL", defaultFlushInterval)
	if err != nil {
		return Config{}, err
	}
	archiveEvery, err := durationFromEnv("ROADNET_ARCHIVE_INTERVAL", defaultArchiveEvery)
	if err != nil {
		return Config{}, err
	}
	lockTTL, err := durationFromEnv("ROADNET_LOCK_TTL", defaultLockTTL)
	if err != nil {
		return Config{}, err
	}
	worldSeed, err := intFromEnv("ROADNET_WORLD_SEED", 0)
	if err != nil {
		return Config{}, err
	}
	worldPOIs, err := intFromEnv("ROADNET_WORLD_POIS", defaultWorldPOIs)
	if err != nil {
		return Config{}, err
	}
	worldExtent, err := intFromEnv("ROADNET_WORLD_EXTENT", defaultWorldExtent)
	if err != nil {
		return Config{}, err
	}
	pathWorkers, err := intFromEnv("ROADNET_PATH_WORKERS", 0)
	if err != nil {
		return Config{}, err
	}
	history, err := intFromEnv("ROADNET_HISTORY", defaultHistory)
	if err != nil {
		return Config{}, err
	}

	flagSet := flag.NewFlagSet("roadnet-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagDB := flagSet.String("db", dbPath, "path to SQLite database")
	flagPipeline := flagSet.String("pipeline", pipelinePath, "path to pipeline config JSON (defaults built in when empty)")
	flagAddr := flagSet.String("addr", addr, "HTTP listen address")
	flagTickRate := flagSet.String("tick-rate", tickRate.String(), "builder tick rate")
	flagFlushInterval := flagSet.String("flush-interval", flushInterval.String(), "snapshot flush interval")
	flagBackend := flagSet.String("backend", envOrDefault("ROADNET_BACKEND", defaultBackend), "persistence backend: sqlite|redis|blob")
	flagRedisAddr := flagSet.String("redis-addr", envOrDefault("ROADNET_REDIS_ADDR", defaultRedisAddr), "Redis address when backend=redis")
	flagBlobDir := flagSet.String("blob-dir", envOrDefault("ROADNET_BLOB_DIR", defaultBlobDir), "snapshot directory when backend=blob")
	flagWorldID := flagSet.String("world", envOrDefault("ROADNET_WORLD_ID", defaultWorldID), "world id")
	flagWorldSeed := flagSet.Int64("seed", int64(worldSeed), "world seed")
	flagWorldPOIs := flagSet.Int("pois", worldPOIs, "points of interest in the generated world")
	flagWorldExtent := flagSet.Int("extent", worldExtent, "half width of the generated world in blocks")
	flagLockTTL := flagSet.String("lock-ttl", lockTTL.String(), "world lease TTL")
	flagNoLock := flagSet.Bool("no-lock", os.Getenv("ROADNET_NO_LOCK") != "", "build without taking the world lease")
	flagPathWorkers := flagSet.Int("path-workers", pathWorkers, "async path finding workers (0 = inline)")
	flagHistory := flagSet.Int("history", history, "snapshots kept per world")
	flagArchiveDir := flagSet.String("archive-dir", envOrDefault("ROADNET_ARCHIVE_DIR", ""), "directory for archived snapshots (disabled when empty)")
	flagArchiveEvery := flagSet.String("archive-interval", archiveEvery.String(), "snapshot archive interval")
	flagLogLevel := flagSet.String("log-level", envOrDefault("ROADNET_LOG_LEVEL", "info"), "log level: debug|info|warn|error")
	flagLogFormat := flagSet.String("log-format", envOrDefault("ROADNET_LOG_FORMAT", "json"), "log format: json|text")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
			return Config{}, err
		}
		return Config{}, err
	}

	tickRateParsed, err := time.ParseDuration(*flagTickRate)
	if err != nil {
		return Config{}, fmt.Errorf("invalid tick rate: %w", err)
	}
	flushIntervalParsed, err := time.ParseDuration(*flagFlushInterval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid flush interval: %w", err)
	}
	lockTTLParsed, err := time.ParseDuration(*flagLockTTL)
	if err != nil {
		return Config{}, fmt.Errorf("invalid lock ttl: %w", err)
	}
	archiveEveryParsed, err := time.ParseDuration(*flagArchiveEvery)
	if err != nil {
		return Config{}, fmt.Errorf("invalid archive interval: %w", err)
	}

	config := Config{
		DBPath:        resolvePath(*flagDB, cwd),
		PipelinePath:  resolvePath(*flagPipeline, cwd),
		Addr:          strings.TrimSpace(*flagAddr),
		TickRate:      tickRateParsed,
		FlushInterval: flushIntervalParsed,
		Backend:       strings.ToLower(strings.TrimSpace(*flagBackend)),
		RedisAddr:     strings.TrimSpace(*flagRedisAddr),
		BlobDir:       resolvePath(*flagBlobDir, cwd),
		WorldID:       strings.TrimSpace(*flagWorldID),
		WorldSeed:     *flagWorldSeed,
		WorldPOIs:     *flagWorldPOIs,
		WorldExtent:   *flagWorldExtent,
		LockTTL:       lockTTLParsed,
		NoLock:        *flagNoLock,
		PathWorkers:   *flagPathWorkers,
		History:       *flagHistory,
		ArchiveDir:    resolvePath(*flagArchiveDir, cwd),
		ArchiveEvery:  archiveEveryParsed,
		LogLevel:      strings.ToLower(strings.TrimSpace(*flagLogLevel)),
		LogFormat:     strings.ToLower(strings.TrimSpace(*flagLogFormat)),
	}

	switch {
	case config.Addr == "":
		return Config{}, errors.New("addr cannot be empty")
	case config.WorldID == "":
		return Config{}, errors.New("world cannot be empty")
	case config.TickRate <= 0:
		return Config{}, errors.New("tick rate must be positive")
	case config.FlushInterval <= 0:
		return Config{}, errors.New("flush interval must be positive")
	case config.LockTTL <= 0:
		return Config{}, errors.New("lock ttl must be positive")
	case config.PathWorkers < 0:
		return Config{}, errors.New("path workers cannot be negative")
	case config.WorldPOIs < 0 || config.WorldExtent <= 0:
		return Config{}, errors.New("pois cannot be negative and extent must be positive")
	case config.ArchiveDir != "" && config.ArchiveEvery <= 0:
		return Config{}, errors.New("archive interval must be positive")
	case config.History <= 0:
		return Config{}, errors.New("history must be positive")
	}

	switch config.Backend {
	case "sqlite":
	case "redis":
		if config.RedisAddr == "" {
			return Config{}, errors.New("backend=redis requires redis-addr")
		}
	case "blob":
		if config.BlobDir == "" {
			return Config{}, errors.New("backend=blob requires blob-dir")
		}
	default:
		return Config{}, fmt.Errorf("unsupported backend: %s", config.Backend)
	}

	return config, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrDefaultWithFallback(keys []string, fallback string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return parsed, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func addrFromEnv(fallback string) string {
	if value := os.Getenv("ROADNET_ADDR"); value != "" {
		return value
	}
	if port := os.Getenv("ROADNET_PORT"); port != "" {
		return fmt.Sprintf("127.0.0.1:%s", port)
	}
	return fallback
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
