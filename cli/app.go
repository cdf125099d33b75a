package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/labor-events/archive"
	"github.com/warp/labor-events/config"
	_ "github.com/warp/labor-events/events"
	"github.com/warp/labor-events/gateway"
	"github.com/warp/labor-events/lock"
	"github.com/warp/labor-events/logging"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
	"github.com/warp/labor-events/store/sqlite"
)

// app holds the wired components of one process.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *sqlite.Store
	rubrics *rubric.Registry
	svc     *pipeline.Service
	redis   *redis.Client
}

// newApp loads configuration and wires store, transport, lock, archive
// and the pipeline service. The caller must Close the app.
func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store

	a.rubrics = rubric.NewRegistry(store, rubric.WithLogger(a.logger.Named("rubric")))

	transport, err := a.transport()
	if err != nil {
		return err
	}

	var locker pipeline.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		locker = lock.NewRedis(a.redis, cfg.Redis.LockTTL())
		a.logger.Info("lock_backend", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))
	}

	var archiver pipeline.Archiver
	if cfg.Archive.Bucket != "" {
		s3, err := archive.NewS3(ctx, archive.Config{
			Bucket: cfg.Archive.Bucket,
			Prefix: cfg.Archive.Prefix,
			Region: cfg.Archive.Region,
		}, a.logger.Named("archive"))
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		archiver = s3
	}

	a.svc, err = pipeline.New(pipeline.Deps{
		Store:     store,
		HR:        store,
		Rubrics:   a.rubrics,
		Transport: transport,
		Locker:    locker,
		Archiver:  archiver,
		Logger:    a.logger.Named("pipeline"),
		Workers:   cfg.Pipeline.Workers,
	})
	return err
}

func (a *app) transport() (pipeline.Transport, error) {
	gw := a.cfg.Gateway
	if gw.Fake {
		a.logger.Warn("gateway_fake_enabled")
		return gateway.NewFake(), nil
	}
	return gateway.New(gateway.Config{
		BaseURL:         gw.URL,
		Token:           gw.Token,
		Timeout:         gw.Timeout(),
		MaxRetries:      gw.MaxRetries,
		RetryDelay:      gw.RetryDelay(),
		BreakerFailures: gw.BreakerFailures,
		BreakerCooldown: gw.BreakerCooldown(),
	}, gateway.WithLogger(a.logger.Named("gateway")))
}

// Close releases the store, the redis client and flushes the logger.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
