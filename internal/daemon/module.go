// Package daemon composes the client: one profile directory, one store, one
// push channel, one sync engine, assembled through fx and torn down in
// reverse on shutdown.
package daemon

import (
	"context"

	"github.com/flybook/flybook/internal/bus"
	"github.com/flybook/flybook/internal/gateway"
	"github.com/flybook/flybook/internal/lock"
	"github.com/flybook/flybook/internal/logging"
	"github.com/flybook/flybook/internal/roster"
	"github.com/flybook/flybook/internal/session"
	"github.com/flybook/flybook/internal/status"
	"github.com/flybook/flybook/internal/store"
	intsync "github.com/flybook/flybook/internal/sync"
	"github.com/flybook/flybook/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile and server configuration passed to the
// fx module.
type Params struct {
	Profile   string
	UserID    int64
	ServerURL string
	SocketURL string
}

// Module returns the fx module for the client, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideGateway,
			provideChannel,
			provideHandle,
			provideRegistry,
			provideSyncEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideGateway(p Params, logger *zap.Logger) *gateway.Client {
	return gateway.New(p.ServerURL, logger)
}

func provideChannel(p Params, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Channel {
	return transport.New(p.SocketURL, machine, b, logger)
}

func provideHandle() *session.Handle {
	return session.NewHandle()
}

func provideRegistry(b *bus.Bus) *roster.Registry {
	return roster.NewRegistry(b)
}

func provideSyncEngine(db *store.DB, gw *gateway.Client, reg *roster.Registry, b *bus.Bus, handle *session.Handle, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, gw, reg, b, handle, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, lk *lock.Lock, handle *session.Handle, engine *intsync.Engine, channel *transport.Channel, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			handle.Begin(p.UserID)

			// The engine must be consuming before the socket opens so the
			// first pushes are not lost.
			engine.Start()

			if err := channel.Connect(ctx, p.UserID); err != nil {
				return err
			}

			// Initial sync is best effort; the server may be flaky at boot
			// and everything here is recovered by later refreshes.
			if err := engine.SyncUsers(ctx); err != nil {
				logger.Warn("initial user directory sync failed", zap.Error(err))
			}
			if err := engine.RefreshRoster(ctx); err != nil {
				logger.Warn("initial roster refresh failed", zap.Error(err))
			}

			logger.Info("client started",
				zap.String("profile", p.Profile),
				zap.Int64("user_id", p.UserID))
			return nil
		},
		OnStop: func(_ context.Context) error {
			engine.Stop()
			channel.Disconnect()
			handle.End()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("client stopped")
			return nil
		},
	})
}
