package modules

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/memohai/memoh-wecom/internal/attachment"
	"github.com/memohai/memoh-wecom/internal/config"
	"github.com/memohai/memoh-wecom/internal/conversation"
	"github.com/memohai/memoh-wecom/internal/fallback"
	"github.com/memohai/memoh-wecom/internal/gateway"
	"github.com/memohai/memoh-wecom/internal/kv"
	"github.com/memohai/memoh-wecom/internal/model"
	"github.com/memohai/memoh-wecom/internal/schedule"
	"github.com/memohai/memoh-wecom/internal/storage"
	"github.com/memohai/memoh-wecom/internal/stream"
	"github.com/memohai/memoh-wecom/internal/stream/event"
	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

const (
	httpTimeout         = 60 * time.Second
	attachmentSweepCron = "@every 30m"
)

var DomainModule = fx.Module(
	"Domain",
	fx.Provide(
		event.NewHub,
		provideSession,
		providePipeline,
		provideSweeper,
		provideRobotSender,
		provideDispatcher,
		fx.Annotate(provideModelChain, fx.As(new(model.Chain))),
		provideGateway,
		schedule.NewService,
	),
	fx.Invoke(startScheduler),
)

// ---------------------------------------------------------------------------
// session and turn pipeline
// ---------------------------------------------------------------------------

func provideSession(log *slog.Logger, hub *event.Hub, cfg config.Config) *gateway.Session {
	return gateway.NewSession(log, hub, gateway.SessionOptions{
		HistoryTurns:    cfg.WeCom.HistoryTurns(),
		ResponseURLs:    cfg.WeCom.ResponseURLsPerScope(),
		StreamTTL:       stream.DefaultTTL,
		ResponseURLTTL:  fallback.ResponseURLTTL,
		ConversationTTL: gateway.ConversationTTL,
	})
}

func providePipeline(log *slog.Logger, cfg config.Config, cryptor *crypto.Cryptor, store storage.Provider) *attachment.Pipeline {
	return attachment.NewPipeline(log, attachment.Options{
		Client:    &http.Client{},
		Decrypter: cryptor,
		Store:     store,
		MaxBytes:  cfg.WeCom.MaxFileSizeBytes(),
		Retention: cfg.WeCom.FileRetention(),
		Timeout:   httpTimeout,
	})
}

func provideSweeper(log *slog.Logger, cfg config.Config, store storage.Provider) *attachment.Sweeper {
	return attachment.NewSweeper(log, store, cfg.WeCom.FileRetention())
}

func provideRobotSender(log *slog.Logger, cfg config.Config) *fallback.Sender {
	return fallback.NewSender(log, &http.Client{Timeout: httpTimeout}, cfg.WeCom.PushRatePerMinute)
}

func provideDispatcher(log *slog.Logger, cfg config.Config, session *gateway.Session, store *kv.Store, sender *fallback.Sender) *fallback.Dispatcher {
	return fallback.NewDispatcher(log, session.ResponseURLs, store, sender, cfg.WeCom.FallbackURL())
}

func provideModelChain(log *slog.Logger, cfg config.Config) *model.GatewayClient {
	return model.NewGatewayClient(log, cfg.AgentGateway.BaseURL(), &http.Client{Timeout: cfg.AgentGateway.Timeout()})
}

type gatewayParams struct {
	fx.In

	Logger     *slog.Logger
	Config     config.Config
	Cryptor    *crypto.Cryptor
	Session    *gateway.Session
	Pipeline   *attachment.Pipeline
	Chain      model.Chain
	Dispatcher *fallback.Dispatcher
}

func provideGateway(lc fx.Lifecycle, p gatewayParams) *gateway.Gateway {
	gw := gateway.New(p.Logger, p.Cryptor, p.Session, p.Pipeline, p.Chain, p.Dispatcher, gateway.Options{
		SharedHistory: conversation.SharedHistoryPolicy{
			Enabled: p.Config.WeCom.GroupSharedHistoryEnabled,
			ChatIDs: p.Config.WeCom.GroupSharedHistoryChatIDs,
		},
		LockTimeout: p.Config.WeCom.LockTimeout(),
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := gw.Wait(ctx); err != nil {
				p.Logger.Warn("turns still running at shutdown", slog.Any("error", err))
			}
			return nil
		},
	})
	return gw
}

// ---------------------------------------------------------------------------
// maintenance jobs
// ---------------------------------------------------------------------------

func startScheduler(lc fx.Lifecycle, log *slog.Logger, svc *schedule.Service, session *gateway.Session, sweeper *attachment.Sweeper) error {
	jobs := append(session.Jobs(), schedule.Job{
		Name:    "attachment-sweep",
		Pattern: attachmentSweepCron,
		Run: func(ctx context.Context) error {
			n, err := sweeper.Sweep(ctx)
			if n > 0 {
				log.Info("expired attachments removed", slog.Int("count", n))
			}
			return err
		},
	})
	for _, job := range jobs {
		if err := svc.Register(job); err != nil {
			return err
		}
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			svc.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return svc.Stop(ctx)
		},
	})
	return nil
}
