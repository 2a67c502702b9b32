package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/okian/geopresence/internal/adapters/http/api"
	"github.com/okian/geopresence/internal/adapters/http/swagger"
	"github.com/okian/geopresence/internal/adapters/redisbus"
	"github.com/okian/geopresence/internal/adapters/sink"
	"github.com/okian/geopresence/internal/adapters/source"
	"github.com/okian/geopresence/internal/adapters/sqlite"
	app "github.com/okian/geopresence/internal/app"
	"github.com/okian/geopresence/internal/config"
	"github.com/okian/geopresence/internal/domain/fanout"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/presence"
	"github.com/okian/geopresence/pkg/logger"
)

const redisDialTimeout = 2 * time.Second

// collaborators are the outbound adapters selected by configuration.
type collaborators struct {
	groups      presence.GroupDirectory
	groupFile   *source.GroupFile
	displayName func(string) string
	notifier    fanout.NotificationSink
	publisher   *sink.Multi
	areas       app.AreaLookup
	seedSQLite  bool

	store *sqlite.Store
	redis *redis.Client
}

// Close releases connections held by the adapters.
func (c *collaborators) Close() error {
	var errs []error
	if c.store != nil {
		errs = append(errs, c.store.Close())
	}
	if c.redis != nil {
		errs = append(errs, c.redis.Close())
	}
	return errors.Join(errs...)
}

func buildCollaborators(ctx context.Context, cfg *config.Config, log logger.Logger) (*collaborators, error) {
	c := &collaborators{}
	fail := func(err error) (*collaborators, error) {
		_ = c.Close()
		return nil, err
	}

	if cfg.NeedsSQLite() {
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fail(fmt.Errorf("open sqlite: %w", err))
		}
		c.store = store
		log.Info(ctx, "sqlite store opened", logger.String("path", cfg.SQLitePath))
	}

	if cfg.NeedsRedis() {
		c.redis = redisbus.Open(redisbus.Config{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			DialTimeout: redisDialTimeout,
		})
		// The client reconnects on demand, so an unreachable server is not fatal.
		if err := redisbus.Ping(ctx, c.redis); err != nil {
			log.Warn(ctx, "redis unreachable at startup", logger.Error(err))
		}
	}

	switch cfg.Directory {
	case "sqlite":
		c.groups = c.store
		if err := seedGroups(ctx, cfg, c, log); err != nil {
			return fail(err)
		}
	default:
		gf, err := source.NewGroupFile(cfg.GroupsFile)
		if err != nil {
			return fail(fmt.Errorf("load groups: %w", err))
		}
		c.groupFile = gf
		c.groups = gf
		c.displayName = gf.DisplayName
	}

	switch cfg.Notifier {
	case "redis":
		c.notifier = redisbus.NewNotifier(c.redis, cfg.RedisNotificationList)
	default:
		c.notifier = sink.NewLogNotifier(log.Named("notifications"))
	}

	var members []sink.Named
	for _, name := range cfg.PublisherList() {
		switch name {
		case "log":
			members = append(members, sink.Named{Name: name, Publisher: sink.NewLogPublisher(log.Named("transitions"))})
		case "sqlite":
			members = append(members, sink.Named{Name: name, Publisher: c.store})
			c.areas = c.store
		case "redis":
			members = append(members, sink.Named{Name: name, Publisher: redisbus.NewPublisher(c.redis, cfg.RedisChannel)})
		}
	}
	c.publisher = sink.NewMulti(log.Named("publishers"), members...)
	return c, nil
}

// seedGroups imports the groups file into the SQLite directory when one is
// present. Without a file the database is used as it is.
func seedGroups(ctx context.Context, cfg *config.Config, c *collaborators, log logger.Logger) error {
	if cfg.GroupsFile == "" {
		return nil
	}
	if _, err := os.Stat(cfg.GroupsFile); errors.Is(err, os.ErrNotExist) {
		log.Info(ctx, "no groups file; using sqlite directory as is", logger.String("path", cfg.GroupsFile))
		return nil
	}
	gf, err := source.NewGroupFile(cfg.GroupsFile)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	groups := gf.Groups()
	if err := c.store.ReplaceGroups(ctx, groups); err != nil {
		return fmt.Errorf("seed sqlite groups: %w", err)
	}
	c.groupFile = gf
	c.displayName = gf.DisplayName
	c.seedSQLite = true
	log.Info(ctx, "sqlite directory seeded", logger.Int("groups", len(groups)))
	return nil
}

// reloadGroups re-reads the groups file, pushes it to SQLite when that is the
// directory, and returns the groups before and after.
func (c *collaborators) reloadGroups(ctx context.Context) (before, after []model.Group, err error) {
	before = c.groupFile.Groups()
	if err := c.groupFile.Reload(); err != nil {
		return nil, nil, err
	}
	after = c.groupFile.Groups()
	if c.seedSQLite {
		if err := c.store.ReplaceGroups(ctx, after); err != nil {
			return nil, nil, fmt.Errorf("seed sqlite groups: %w", err)
		}
	}
	return before, after, nil
}

func newService(cfg *config.Config, c *collaborators, log logger.Logger) *app.Service {
	opts := []app.Option{
		app.WithLogger(log),
		app.WithRegionSource(source.NewRegionFile(cfg.RegionsFile)),
		app.WithGroupDirectory(c.groups),
		app.WithNotifier(c.notifier),
		app.WithPublisher(c.publisher),
		app.WithGraceWindow(cfg.GraceWindow()),
		app.WithMaxAccuracy(cfg.MaxAccuracyMeters),
		app.WithUserIdleTTL(cfg.UserIdleTTL()),
		app.WithMailboxSize(cfg.MailboxSize),
		app.WithWorkerCount(cfg.WorkerCount),
		app.WithQueueSize(cfg.WorkerQueueSize),
		app.WithDedupeSize(cfg.DedupeSize),
		app.WithDirectoryCache(cfg.DirectoryCacheTTL(), cfg.DirectoryTimeout()),
		app.WithRegionReloadInterval(cfg.RegionReloadInterval()),
	}
	if c.displayName != nil {
		opts = append(opts, app.WithDisplayNames(c.displayName))
	}
	if c.areas != nil {
		opts = append(opts, app.WithAreaLookup(c.areas))
	}
	return app.New(opts...)
}

func newRouter(cfg *config.Config, deps api.Dependencies, log logger.Logger) chi.Router {
	r := api.NewServer(deps,
		api.WithLogger(log.Named("api")),
		api.WithRateLimit(cfg.IngestRatePerUser, cfg.IngestBurst),
	).Routes()
	swagger.Register(r)
	return r
}
