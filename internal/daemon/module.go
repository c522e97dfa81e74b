package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/matheus3301/msync/internal/api"
	"github.com/matheus3301/msync/internal/bus"
	"github.com/matheus3301/msync/internal/config"
	"github.com/matheus3301/msync/internal/download"
	"github.com/matheus3301/msync/internal/index"
	"github.com/matheus3301/msync/internal/lock"
	"github.com/matheus3301/msync/internal/logging"
	"github.com/matheus3301/msync/internal/metrics"
	"github.com/matheus3301/msync/internal/notify"
	"github.com/matheus3301/msync/internal/outbox"
	"github.com/matheus3301/msync/internal/realtime"
	"github.com/matheus3301/msync/internal/reconcile"
	"github.com/matheus3301/msync/internal/remote"
	"github.com/matheus3301/msync/internal/session"
	"github.com/matheus3301/msync/internal/store"
	"github.com/matheus3301/msync/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Channel names, also used as metric labels.
const (
	MessageChannel = "message"
	SyncChannel    = "sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // empty = ~/.msync/config.toml
	EnvPath     string // empty = ~/.msync/.env
}

// Channels are the two realtime connections.
type Channels struct {
	Message *realtime.Conn
	Sync    *realtime.Conn
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideIndex,
			provideChannels,
			provideRemote,
			provideEngine,
			provideNotifier,
			providePipeline,
			provideDownloader,
			provideResumer,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	envPath := p.EnvPath
	if envPath == "" {
		envPath = session.EnvPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.LoadEnv(envPath); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.User.ID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so two daemons never migrate the same file.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideIndex() *index.Index {
	return index.New()
}

func provideChannels(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *Channels {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	opts := realtime.Options{
		BaseDelay:   cfg.Realtime.ReconnectBaseDelay,
		MaxDelay:    cfg.Realtime.ReconnectMaxDelay,
		MaxAttempts: cfg.Realtime.MaxReconnectAttempts,
	}
	return &Channels{
		Message: realtime.New(MessageChannel, cfg.Server.RealtimeURL, header, opts, b, logger),
		Sync:    realtime.New(SyncChannel, cfg.Server.SyncURL, header, opts, b, logger),
	}
}

func provideRemote(cfg *config.Config, logger *zap.Logger) (*remote.Client, error) {
	if cfg.Token == "" {
		logger.Warn("no API token configured", zap.String("env", config.TokenEnv))
	}
	return remote.New(cfg.Server.APIBaseURL, cfg.Token, logger)
}

func provideEngine(cfg *config.Config, db *store.DB, idx *index.Index, ch *Channels, b *bus.Bus, logger *zap.Logger) *reconcile.Engine {
	return reconcile.NewEngine(db, idx, ch.Message, ch.Sync, b, cfg.User.ID, logger)
}

func provideNotifier(logger *zap.Logger) *notify.Notifier {
	return notify.New(logger)
}

func providePipeline(db *store.DB, engine *reconcile.Engine, client *remote.Client, events *notify.Notifier, logger *zap.Logger) *upload.Pipeline {
	return upload.New(db, engine, client, events, logger)
}

func provideDownloader(p Params, client *remote.Client, logger *zap.Logger) *download.Downloader {
	return download.New(client, download.DirSaver{Dir: session.DownloadDir(p.SessionName)}, logger)
}

func provideResumer(db *store.DB, up *upload.Pipeline, logger *zap.Logger) *outbox.Resumer {
	return outbox.NewResumer(db, up, logger)
}

func provideService(p Params, engine *reconcile.Engine, idx *index.Index, db *store.DB, up *upload.Pipeline, dl *download.Downloader, ch *Channels, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Deps{
		Session:   p.SessionName,
		Engine:    engine,
		Index:     idx,
		Store:     db,
		Uploads:   up,
		Downloads: dl,
		Channels:  []api.Channel{ch.Message, ch.Sync},
		Bus:       b,
		Logger:    logger,
	})
}

// bridgeUploads republishes notifier events on the bus as upload.<kind>
// and counts them. Progress events are published but not counted.
func bridgeUploads(events *notify.Notifier, b *bus.Bus) (unsubscribe func()) {
	return events.OnAll(func(e notify.Event) {
		if e.Kind != notify.UploadProgress {
			metrics.UploadEvents.WithLabelValues(string(e.Kind)).Inc()
		}
		b.Publish(bus.Event{Kind: bus.UploadPrefix + string(e.Kind), Payload: e})
	})
}

// inboundHandler feeds message packets to the engine. The engine logs its
// own rejections.
func inboundHandler(engine *reconcile.Engine, logger *zap.Logger) realtime.Handler {
	return func(ctx context.Context, data json.RawMessage) {
		if err := engine.HandleInbound(ctx, data); err != nil {
			logger.Debug("inbound message not applied", zap.Error(err))
		}
	}
}

type lifecycleParams struct {
	fx.In

	Config   *config.Config
	Server   *Server
	Lock     *lock.Lock
	DB       *store.DB
	Engine   *reconcile.Engine
	Channels *Channels
	Events   *notify.Notifier
	Resumer  *outbox.Resumer
	Bus      *bus.Bus
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	var (
		cancel     context.CancelFunc
		unsubs     []func()
		metricsSrv *metrics.Server
	)
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Engine.Hydrate(ctx); err != nil {
				return fmt.Errorf("hydrate: %w", err)
			}

			metrics.Register()
			if addr := p.Config.Metrics.Listen; addr != "" {
				srv, err := metrics.Listen(addr, logger)
				if err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				metricsSrv = srv
				go metricsSrv.Serve()
			}

			unsubs = append(unsubs,
				p.Channels.Message.On(realtime.TypeMessage, inboundHandler(p.Engine, logger)),
				bridgeUploads(p.Events, p.Bus),
			)

			// Components outlive the start context.
			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			p.Channels.Message.Start(runCtx)
			p.Channels.Sync.Start(runCtx)
			p.Resumer.Start(runCtx)

			// Start gRPC server in background.
			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Server.Stop(ctx)
			p.Resumer.Stop()
			p.Channels.Sync.Stop()
			p.Channels.Message.Stop()
			if cancel != nil {
				cancel()
			}
			for _, unsub := range unsubs {
				unsub()
			}
			if metricsSrv != nil {
				if err := metricsSrv.Shutdown(ctx); err != nil {
					logger.Warn("error stopping metrics server", zap.Error(err))
				}
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
