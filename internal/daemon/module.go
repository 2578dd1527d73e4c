// Package daemon composes the chat client: one socket connection, one state
// store and the components around them, wired through fx.
package daemon

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/config"
	"github.com/anunciaya/chatd/internal/flags"
	"github.com/anunciaya/chatd/internal/logging"
	"github.com/anunciaya/chatd/internal/msgsync"
	"github.com/anunciaya/chatd/internal/presence"
	"github.com/anunciaya/chatd/internal/rest"
	"github.com/anunciaya/chatd/internal/session"
	"github.com/anunciaya/chatd/internal/socket"
	"github.com/anunciaya/chatd/internal/state"
	"github.com/anunciaya/chatd/internal/status"
	"github.com/anunciaya/chatd/internal/typing"
	"github.com/anunciaya/chatd/internal/upload"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	UserID      string
	SocketURL   string // optional override for testing; empty = derive from config
}

// Module returns the fx module composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRESTClient,
			provideSocketManager,
			providePresenceTracker,
			provideTypingCoordinator,
			provideEngine,
			provideFlagController,
			provideUploadCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("config file not loaded, using defaults", zap.Error(err))
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*session.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := session.AcquireLock(p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(b *bus.Bus) *state.Store {
	return state.New(b)
}

func provideRESTClient(p Params, cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.Server.BaseURL, session.LoadToken(p.SessionName), logger)
}

func provideSocketManager(p Params, cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *socket.Manager {
	url := p.SocketURL
	if url == "" {
		url = wsURL(cfg.Server.BaseURL) + cfg.Server.SocketPath
	}
	return socket.NewManager(socket.Options{
		URL:               url,
		Token:             session.LoadToken(p.SessionName),
		UserID:            p.UserID,
		HeartbeatInterval: cfg.Chat.HeartbeatInterval(),
		AckTimeout:        cfg.Chat.AckTimeout(),
		ReconnectMin:      cfg.Reconnect.MinDelay(),
		ReconnectMax:      cfg.Reconnect.MaxDelay(),
	}, b, m, logger)
}

func providePresenceTracker(b *bus.Bus, store *state.Store, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, store, logger)
}

func provideTypingCoordinator(mgr *socket.Manager, cfg *config.Config, b *bus.Bus, store *state.Store, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(mgr, b, store, logger, cfg.Chat.TypingIdle(), cfg.Chat.TypingExpiry())
}

func provideEngine(p Params, mgr *socket.Manager, client *rest.Client, store *state.Store, b *bus.Bus, m *status.Machine, cfg *config.Config, logger *zap.Logger) *msgsync.Engine {
	return msgsync.NewEngine(mgr, client, store, b, m, logger, p.UserID, cfg.Chat.HistoryPageSize)
}

func provideFlagController(client *rest.Client, store *state.Store, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *flags.Controller {
	return flags.NewController(client, store, b, logger, cfg.Chat.PinLimit)
}

func provideUploadCoordinator(client *rest.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *upload.Coordinator {
	return upload.NewCoordinator(client, b, logger, cfg.Upload.MaxParallel)
}

func registerLifecycle(
	lc fx.Lifecycle,
	p Params,
	lk *session.Lock,
	mgr *socket.Manager,
	tracker *presence.Tracker,
	typer *typing.Coordinator,
	engine *msgsync.Engine,
	flagCtl *flags.Controller,
	uploads *upload.Coordinator,
	machine *status.Machine,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first, so nothing published during connect is lost.
			tracker.Start(context.Background())
			typer.Start(context.Background())
			engine.Start(context.Background())
			flagCtl.Start(context.Background())

			if session.LoadToken(p.SessionName) == "" {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
				return nil
			}
			mgr.Connect(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			mgr.Disconnect()
			flagCtl.Stop()
			engine.Stop()
			typer.Stop()
			tracker.Stop()
			uploads.Wait()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// wsURL converts the configured HTTP base into its websocket scheme.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
