package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"midas/internal/platform/config"
	platformpostgres "midas/internal/platform/postgres"
	platformredis "midas/internal/platform/redis"
	"midas/internal/project/metrics"
	"midas/internal/project/models"
	"midas/internal/project/notifier"
	"midas/internal/project/review"
	"midas/internal/project/service"
	"midas/internal/project/store/fsbased"
	"midas/internal/project/store/memory"
	"midas/internal/project/store/postgres"
	storeredis "midas/internal/project/store/redis"
	"midas/internal/project/validate"
	dErrors "midas/pkg/domain-errors"
)

// App is one configured broker plus the resources it holds open.
type App struct {
	Config   config.Config
	Service  *service.Service
	Store    service.RecordStore
	Registry *prometheus.Registry
	Logger   *slog.Logger
	Systems  []*review.Simulated

	closers []func() error
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// NewApp opens the configured backend and builds the broker for collection.
func NewApp(ctx context.Context, cfg config.Config, collection string, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid configuration")
	}
	coll, err := cfg.Collection(collection)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid collection")
	}

	app := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	records, redisClient, err := app.openStore(ctx, cfg)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Store = records

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithMetrics(metrics.NewWith(app.Registry)),
	}
	if n := app.buildNotifier(cfg.Notifier, redisClient); n != nil {
		opts = append(opts, service.WithNotifier(n))
	}
	if len(coll.Validator.Required) > 0 {
		v, err := validate.NewRequiredPaths(coll.Validator.Required...)
		if err != nil {
			_ = app.Close()
			return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "collections."+collection+".validator")
		}
		opts = append(opts, service.WithValidator(v))
	}
	for _, name := range coll.ReviewSystems {
		sys := review.NewSimulated(review.WithSystemName(name))
		app.Systems = append(app.Systems, sys)
		opts = append(opts, service.WithReviewSystems(sys))
	}

	perms, err := coll.Perms()
	if err != nil {
		_ = app.Close()
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "collections."+collection+".default_perms")
	}
	svc, err := service.New(records, service.Config{
		Collection:              collection,
		Shoulders:               coll.Policy(),
		Superusers:              coll.Superusers,
		DefaultPerms:            perms,
		AutoAcceptWithoutReview: coll.AutoAccept(),
		ArkNAAN:                 coll.ArkNAAN,
	}, opts...)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Service = svc

	reviewer, err := models.NewAgent("dbioadm", models.ActorAuto, "dbioadm-review", "review")
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	for _, sys := range app.Systems {
		sys.SetCallback(svc, reviewer.WithGroups(service.ReviewGroup))
	}
	return app, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config) (service.RecordStore, *platformredis.Client, error) {
	var client *platformredis.Client
	if cfg.Redis.URL != "" && (cfg.Backend == config.BackendRedis || strings.HasPrefix(cfg.Notifier.Kind, "redis")) {
		c, err := platformredis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "connect to redis")
		}
		client = c
		a.closers = append(a.closers, c.Close)
	}

	switch cfg.Backend {
	case config.BackendFSBased:
		s, err := fsbased.New(cfg.FSBased.RootDir)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "open fsbased store")
		}
		return s, client, nil
	case config.BackendPostgres:
		db, err := platformpostgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "connect to postgres")
		}
		a.closers = append(a.closers, db.Close)
		return openPostgres(ctx, db, client)
	case config.BackendRedis:
		return storeredis.NewRedis(client.Client, storeredis.WithKeyPrefix(cfg.Redis.KeyPrefix)), client, nil
	default:
		return memory.NewInMemory(), client, nil
	}
}

func openPostgres(ctx context.Context, db *sql.DB, client *platformredis.Client) (service.RecordStore, *platformredis.Client, error) {
	s := postgres.NewPostgres(db)
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "create postgres schema")
	}
	return s, client, nil
}

func (a *App) buildNotifier(cfg config.NotifierConfig, client *platformredis.Client) notifier.Notifier {
	switch cfg.Kind {
	case "none":
		return nil
	case "redis", "redis+log":
		logged := notifier.NewLog(a.Logger)
		if client == nil {
			return logged
		}
		published := notifier.NewRedis(client.Client, cfg.ChannelPrefix)
		if cfg.Kind == "redis" {
			return notifier.NewGuarded("redis-notifier", published, logged, a.Logger)
		}
		return notifier.Multi{notifier.NewGuarded("redis-notifier", published, nil, a.Logger), logged}
	default:
		return notifier.NewLog(a.Logger)
	}
}

func describe(cfg config.Config) string {
	switch cfg.Backend {
	case config.BackendFSBased:
		return fmt.Sprintf("fsbased at %s", cfg.FSBased.RootDir)
	default:
		return cfg.Backend
	}
}
