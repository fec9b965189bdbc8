// Package daemon wires a chat session into a long-running process: the
// connection, store, dispatcher, uploads, local cache and the gRPC API that
// clients drive it through.
package daemon

import (
	"context"

	"github.com/matheus3301/medchat/internal/api"
	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/cache"
	"github.com/matheus3301/medchat/internal/config"
	"github.com/matheus3301/medchat/internal/conn"
	"github.com/matheus3301/medchat/internal/dispatch"
	"github.com/matheus3301/medchat/internal/lock"
	"github.com/matheus3301/medchat/internal/logging"
	"github.com/matheus3301/medchat/internal/metrics"
	"github.com/matheus3301/medchat/internal/presenter"
	"github.com/matheus3301/medchat/internal/restapi"
	"github.com/matheus3301/medchat/internal/session"
	"github.com/matheus3301/medchat/internal/status"
	"github.com/matheus3301/medchat/internal/store"
	intsync "github.com/matheus3301/medchat/internal/sync"
	"github.com/matheus3301/medchat/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = session.ConfigPath()
	Quiet       bool   // no stderr logging
}

// Settings is the effective configuration: config.toml overlaid with the
// session's .env file and the process environment.
type Settings struct {
	Config      *config.Config
	Credentials config.Credentials
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideMetrics,
			provideCache,
			provideStore,
			provideREST,
			provideConnManager,
			provideDispatcher,
			provideUploads,
			provideSyncEngine,
			provideReconciler,
			providePresenter,
			provideController,
			provideChatService,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (Settings, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return Settings{}, err
	}
	creds, err := config.ApplyEnv(cfg, session.EnvPath(p.SessionName))
	if err != nil {
		return Settings{}, err
	}
	return Settings{Config: cfg, Credentials: creds}, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Quiet:   p.Quiet,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

// provideCache takes the lock so the database is never opened by a second
// daemon for the same session.
func provideCache(p Params, _ *lock.Lock, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CachePath(p.SessionName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore(s Settings, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(s.Credentials.UserID, b, store.WithLogger(logger))
}

func provideREST(s Settings, logger *zap.Logger) (*restapi.Client, error) {
	c, err := restapi.New(restapi.Options{BaseURL: s.Config.Server.APIURL, Logger: logger})
	if err != nil {
		return nil, err
	}
	c.SetToken(s.Credentials.Token)
	return c, nil
}

func provideConnManager(s Settings, m *status.Machine, b *bus.Bus, mt *metrics.Metrics, logger *zap.Logger) *conn.Manager {
	srv, chat := s.Config.Server, s.Config.Chat
	return conn.NewManager(conn.Options{
		URL:              srv.SocketURL,
		HandshakeTimeout: srv.HandshakeTimeout.Duration,
		Backoff: conn.Backoff{
			Base:   chat.ReconnectBase.Duration,
			Max:    chat.ReconnectMax.Duration,
			Jitter: conn.FullJitter,
		},
		FramesPerSecond: srv.FramesPerSecond,
		Burst:           srv.Burst,
		Dialer:          conn.WebsocketDialer{},
		Bus:             b,
		Logger:          logger,
		Metrics:         mt,
	}, m)
}

func provideDispatcher(s Settings, mgr *conn.Manager, st *store.Store, rest *restapi.Client, b *bus.Bus, mt *metrics.Metrics, logger *zap.Logger) *dispatch.Dispatcher {
	d := dispatch.New(mgr, st, rest, dispatch.Options{
		AckTimeout:    s.Config.Chat.AckTimeout.Duration,
		CreateTimeout: s.Config.Chat.CreateTimeout.Duration,
		Bus:           b,
		Logger:        logger,
		Metrics:       mt,
	})
	mgr.OnConnected(d.Resync)
	return d
}

func provideUploads(s Settings, rest *restapi.Client, d *dispatch.Dispatcher, b *bus.Bus, mt *metrics.Metrics, logger *zap.Logger) *upload.Coordinator {
	return upload.New(rest, d, upload.Options{
		MaxSize:      int64(s.Config.Upload.MaxSize),
		AllowedTypes: s.Config.Upload.AllowedTypes,
		Bus:          b,
		Logger:       logger,
		Metrics:      mt,
	})
}

func provideSyncEngine(db *cache.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideReconciler(db *cache.DB, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, logger)
}

func providePresenter(m *status.Machine, st *store.Store, d *dispatch.Dispatcher, up *upload.Coordinator, rest *restapi.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *presenter.Presenter {
	return presenter.New(presenter.Options{
		Machine:    m,
		Store:      st,
		Dispatcher: d,
		Uploads:    up,
		Directory:  rest,
		Search:     db,
		Bus:        b,
		Logger:     logger,
	})
}

func provideController(p Params, s Settings, mgr *conn.Manager, st *store.Store, d *dispatch.Dispatcher, rest *restapi.Client, recon *intsync.Reconciler, logger *zap.Logger) *Controller {
	return NewController(mgr, st, d, rest, recon, s.Credentials, session.EnvPath(p.SessionName), s.Config.Chat.CachedMessages, logger)
}

func provideChatService(p Params, pr *presenter.Presenter, ctrl *Controller, db *cache.DB, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(p.SessionName, pr, ctrl, db, b, logger)
}

// provideMetricsServer returns nil when no listen address is configured.
func provideMetricsServer(s Settings, mt *metrics.Metrics) *metrics.Server {
	if s.Config.Metrics.Listen == "" {
		return nil
	}
	return metrics.NewServer(s.Config.Metrics.Listen, mt)
}

type lifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Settings   Settings
	Server     *Server
	Metrics    *metrics.Server
	Lock       *lock.Lock
	DB         *cache.DB
	Store      *store.Store
	Manager    *conn.Manager
	Dispatcher *dispatch.Dispatcher
	Engine     *intsync.Engine
	Reconciler *intsync.Reconciler
	Presenter  *presenter.Presenter
	Controller *Controller
	Logger     *zap.Logger
}

func registerLifecycle(lp lifecycleParams) {
	var cancel context.CancelFunc
	logger := lp.Logger

	lp.Lifecycle.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Warm the store before the engine starts mirroring it back.
			if lp.Store.Self() != 0 {
				res, err := lp.Reconciler.Hydrate(lp.Store, lp.Settings.Config.Chat.CachedMessages)
				if err != nil {
					logger.Warn("cache hydrate failed", zap.Error(err))
				} else {
					logger.Info("hydrated from cache",
						zap.Int("conversations", res.Conversations),
						zap.Int("messages", res.Messages),
						zap.Time("last_resync", res.LastResync),
					)
				}
			}
			lp.Engine.Start(ctx)
			lp.Presenter.Start(ctx)
			go lp.Dispatcher.Run(ctx, lp.Manager.Inbound())

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if lp.Metrics != nil {
				go func() {
					if err := lp.Metrics.Start(); err != nil {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			if lp.Settings.Credentials.Complete() {
				if err := lp.Controller.Login(ctx, lp.Settings.Credentials, false); err != nil {
					logger.Error("auto-connect failed", zap.Error(err))
				}
			} else {
				logger.Info("no credentials found, waiting for connect")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			lp.Manager.Disconnect("daemon stopping")
			if cancel != nil {
				cancel()
			}
			lp.Dispatcher.Close()
			lp.Presenter.Stop()
			lp.Engine.Stop()
			lp.Server.Stop(ctx)
			if lp.Metrics != nil {
				if err := lp.Metrics.Stop(ctx); err != nil {
					logger.Warn("metrics server stop", zap.Error(err))
				}
			}
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
