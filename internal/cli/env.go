package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/carlosandia/crm-renove-sub007/internal/config"
	"github.com/carlosandia/crm-renove-sub007/internal/editor"
	"github.com/carlosandia/crm-renove-sub007/internal/logging"
	"github.com/carlosandia/crm-renove-sub007/internal/notify"
	"github.com/carlosandia/crm-renove-sub007/internal/optimistic"
	"github.com/carlosandia/crm-renove-sub007/internal/payload"
	"github.com/carlosandia/crm-renove-sub007/internal/pgstore"
	"github.com/carlosandia/crm-renove-sub007/internal/rediscache"
	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
	"github.com/carlosandia/crm-renove-sub007/internal/section"
	"github.com/carlosandia/crm-renove-sub007/internal/snapshot"
	"github.com/carlosandia/crm-renove-sub007/internal/store"
)

// env is the wiring shared by commands that open stores: configuration,
// logger, the local sqlite store, the optional Postgres and Redis
// backends and the snapshot store.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	pg     *pgstore.Store
	redis  *redis.Client
	snaps  *snapshot.Store
	notes  *notify.Recorder

	closers []func() error
}

func openEnv(ctx context.Context, opts *RootOptions) (*env, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}
	logger, logCloser, err := logging.New(cfg.Log, opts.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	e := &env{cfg: cfg, logger: logger, notes: &notify.Recorder{}}
	e.closers = append(e.closers, logCloser.Close)
	if cfg.File != "" {
		logger.Debug("config loaded", "file", cfg.File)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	e.store = st
	e.closers = append(e.closers, st.Close)

	if cfg.Postgres.URL != "" {
		pg, err := pgstore.Open(ctx, cfg.Postgres.URL)
		if err != nil {
			e.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to postgres", err)
		}
		e.closers = append(e.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			e.Close()
			return nil, WrapExitError(ExitCommandError, "failed to migrate postgres", err)
		}
		e.pg = pg
	}

	if cfg.Redis.URL != "" {
		client, err := rediscache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			e.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		e.redis = client
		e.closers = append(e.closers, client.Close)
	}

	var kv snapshot.KV
	switch cfg.Snapshot.Backend {
	case config.BackendMemory:
		kv = snapshot.NewMemoryKV()
	case config.BackendRedis:
		kv = rediscache.NewKV(e.redis, cfg.Snapshot.Retention)
	default:
		kv = st
	}
	e.snaps = snapshot.NewStore(kv,
		snapshot.WithRetention(cfg.Snapshot.Retention),
		snapshot.WithLogger(logger),
	)
	logger.Debug("environment ready",
		"store", cfg.Store.Path,
		"snapshot_backend", cfg.Snapshot.Backend,
		"postgres", e.pg != nil,
		"redis", e.redis != nil)
	return e, nil
}

// Close releases everything openEnv opened, last first.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// persister saves sections to Postgres when configured and always to the
// local store, which keeps the save history.
func (e *env) persister() scheduler.Persister {
	if e.pg == nil {
		return e.store
	}
	return scheduler.PersistFunc(func(ctx context.Context, recordID string, n section.Name, p payload.Payload) error {
		if err := e.pg.PersistSection(ctx, recordID, n, p); err != nil {
			return err
		}
		return e.store.PersistSection(ctx, recordID, n, p)
	})
}

// entityStore confirms optimistic entity mutations and serves the
// committed values that seed the cache.
type entityStore interface {
	optimistic.Remote
	LoadEntity(ctx context.Context, key string) (payload.Payload, bool, error)
}

// remote is where optimistic entity mutations are confirmed.
func (e *env) remote() entityStore {
	if e.pg != nil {
		return e.pg
	}
	return e.store
}

// cache returns the shared Redis cache when configured, listening for
// other processes' events, and an in-process cache otherwise.
func (e *env) cache(ctx context.Context) (optimistic.Cache, error) {
	if e.redis == nil {
		return optimistic.NewMemoryCache(), nil
	}
	c := rediscache.NewCache(e.redis, rediscache.WithLogger(e.logger))
	if err := c.Listen(ctx); err != nil {
		return nil, fmt.Errorf("listen for cache events: %w", err)
	}
	e.closers = append(e.closers, c.Close)
	return c, nil
}

// notifier logs user notifications and records them for the command's
// output. Extra notifiers receive them too.
func (e *env) notifier(extra ...notify.Notifier) notify.Notifier {
	return append(notify.Multi{notify.Log{Logger: e.logger}, e.notes}, extra...)
}

func (e *env) newEditor(recordID string, n notify.Notifier, extra ...editor.Option) (*editor.Editor, error) {
	opts := []editor.Option{
		editor.WithPolicy(e.cfg.Policy()),
		editor.WithLogger(e.logger),
		editor.WithNotifier(n),
		editor.WithSnapshots(e.snaps),
		editor.WithSnapshotInterval(e.cfg.Snapshot.Interval),
	}
	ed, err := editor.New(recordID, e.persister(), append(opts, extra...)...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open editor", err)
	}
	return ed, nil
}

// recordID takes the record from the first argument or from record_id
// in the config.
func (e *env) recordID(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if e.cfg.RecordID != "" {
		return e.cfg.RecordID, nil
	}
	return "", NewExitError(ExitCommandError, "no record given: pass it as an argument or set record_id")
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
