package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/memohai/memoh-wecom/internal/boot"
	"github.com/memohai/memoh-wecom/internal/gateway"
	"github.com/memohai/memoh-wecom/internal/handlers"
	"github.com/memohai/memoh-wecom/internal/kv"
	"github.com/memohai/memoh-wecom/internal/schedule"
	"github.com/memohai/memoh-wecom/internal/server"
	"github.com/memohai/memoh-wecom/internal/stream/event"
	"github.com/memohai/memoh-wecom/internal/version"
)

var ServerModule = fx.Module(
	"server",
	fx.Provide(
		provideServerHandler(handlers.NewPingHandler),
		provideServerHandler(provideWeComHandler),
		provideServerHandler(providePushURLHandler),
		provideServerHandler(provideScheduleHandler),
		provideServerHandler(provideStreamEventsHandler),
		provideServer,
	),
	fx.Invoke(startServer),
)

// ---------------------------------------------------------------------------
// handlers
// ---------------------------------------------------------------------------

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideWeComHandler(log *slog.Logger, gw *gateway.Gateway, rc *boot.RuntimeConfig) *handlers.WeComHandler {
	return handlers.NewWeComHandler(log, gw, rc.WebhookPath)
}

func providePushURLHandler(log *slog.Logger, store *kv.Store, rc *boot.RuntimeConfig) *handlers.PushURLHandler {
	return handlers.NewPushURLHandler(log, store, rc.AdminToken)
}

func provideScheduleHandler(log *slog.Logger, svc *schedule.Service, rc *boot.RuntimeConfig) *handlers.ScheduleHandler {
	return handlers.NewScheduleHandler(log, svc, rc.AdminToken)
}

func provideStreamEventsHandler(log *slog.Logger, hub *event.Hub, session *gateway.Session, rc *boot.RuntimeConfig) *handlers.StreamEventsHandler {
	return handlers.NewStreamEventsHandler(log, hub, session.Streams, rc.AdminToken)
}

// ---------------------------------------------------------------------------
// server
// ---------------------------------------------------------------------------

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	RuntimeConfig  *boot.RuntimeConfig
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.RuntimeConfig.ServerAddr, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, rc *boot.RuntimeConfig) {
	fmt.Printf("Starting %s %s\n", version.Name, version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if rc.AdminToken == "" {
				logger.Info("admin routes disabled: no admin token configured")
			}
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
