package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"recording-upload-queue/internal/config"
	"recording-upload-queue/internal/logging"
	"recording-upload-queue/internal/models"
	"recording-upload-queue/internal/network"
	"recording-upload-queue/internal/queue"
	"recording-upload-queue/internal/ratelimit"
	"recording-upload-queue/internal/recordings"
	"recording-upload-queue/internal/state"
	"recording-upload-queue/internal/store"
	"recording-upload-queue/internal/transport"
	"recording-upload-queue/internal/upload"
)

// App is the fully wired queue: state backend, transport, driver and engine.
type App struct {
	Config     config.Config
	Logger     logging.Logger
	Engine     *queue.Engine
	Recordings *recordings.FS
	Strategist *upload.Strategist

	// Exactly one of Manual and Prober is set.
	Manual *network.Manual
	Prober *network.Prober

	// Limiter is only available with the redis state backend.
	Limiter *ratelimit.TokenBucket
	// Uploads is set when POSTGRES_DSN is configured.
	Uploads *store.Store

	closers []func() error
}

// Open builds an App from cfg and loads the persisted queue.
func Open(ctx context.Context, cfg config.Config, logger logging.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	if err := app.wire(ctx); err != nil {
		return nil, multierr.Append(err, app.Close())
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}

	a.Recordings = recordings.NewFS(cfg.RecordingsDir)
	a.Strategist = upload.NewStrategist(upload.StrategistConfig{
		BaseChunkSize: cfg.BaseChunkSize,
		MinChunkSize:  cfg.MinChunkSize,
		MaxChunkSize:  cfg.MaxChunkSize,
	})

	var observer network.Observer
	linkType := models.NetworkType(cfg.NetworkType)
	if cfg.NetworkProbeURL != "" {
		a.Prober = network.NewProber(cfg.NetworkProbeURL, linkType, cfg.NetworkMetered, cfg.NetworkProbeInterval, logger)
		observer = a.Prober
	} else {
		a.Manual = network.NewManual(models.NetworkCondition{Type: linkType, Quality: models.QualityGood, IsMetered: cfg.NetworkMetered})
		if err := a.Manual.Current().Validate(); err != nil {
			return fmt.Errorf("network config: %w", err)
		}
		observer = a.Manual
	}
	a.Strategist.SetNetworkCondition(observer.Current())

	tr, err := a.openTransport(ctx)
	if err != nil {
		return err
	}
	driver := upload.NewDriver(upload.DriverOptions{
		Transport:      tr,
		Source:         a.Recordings,
		Strategist:     a.Strategist,
		Network:        observer,
		Logger:         logger,
		RetryAttempts:  cfg.ChunkRetryAttempts,
		RetryBaseDelay: cfg.ChunkRetryBaseDelay,
		Timeout:        cfg.UploadTimeout,
	})

	var notifier queue.Notifier = queue.NopNotifier{}
	if cfg.PostgresDSN != "" {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		if err := pg.RunMigrations(ctx); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		notifier = pg
		a.Uploads = pg
	}

	engine, err := queue.NewEngine(queue.Options{
		State:      st,
		Blobs:      a.Recordings,
		Uploader:   driver,
		Network:    observer,
		Strategist: a.Strategist,
		Notifier:   notifier,
		Logger:     logger,
		Settings: models.QueueSettings{
			MaxRetries:       cfg.MaxRetries,
			BatchSize:        cfg.BatchSize,
			WifiOnlyMode:     cfg.WifiOnlyMode,
			AutoRetryEnabled: cfg.AutoRetryEnabled,
		},
		StateKey:        cfg.StateKey,
		EnqueueDebounce: cfg.EnqueueDebounce,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
	})
	if err != nil {
		return err
	}
	// The engine must stop before the stores it writes to.
	a.closers = append([]func() error{func() error { engine.Close(); return nil }}, a.closers...)
	a.Engine = engine

	if a.Prober != nil {
		a.Prober.OnChange(func(c models.NetworkCondition) { engine.NetworkChanged(context.Background(), c) })
	}
	return engine.Load(ctx)
}

func (a *App) openState(ctx context.Context) (state.Store, error) {
	cfg := a.Config
	switch cfg.StateBackend {
	case "memory":
		return state.NewMemoryStore(), nil
	case "redis":
		rs := state.NewRedisStore(cfg)
		a.closers = append(a.closers, rs.Close)
		if err := rs.Client().Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Limiter = ratelimit.NewTokenBucket(rs.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		return rs, nil
	case "sqlite", "":
		ss, err := state.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ss.Close)
		return ss, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

func (a *App) openTransport(ctx context.Context) (upload.Transport, error) {
	cfg := a.Config
	switch cfg.Transport {
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 transport needs S3_BUCKET")
		}
		client, err := transport.NewS3Client(ctx, transport.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			PathStyle:       cfg.S3PathStyle,
			Prefix:          cfg.S3Prefix,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return transport.NewS3(client, cfg.S3Bucket, cfg.S3Prefix, a.Logger), nil
	case "http", "":
		return transport.NewHTTP(cfg.UploadBaseURL, cfg.UploadToken, nil, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Close stops the engine, then releases the stores it wrote to.
func (a *App) Close() error {
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c())
	}
	a.closers = nil
	return err
}
