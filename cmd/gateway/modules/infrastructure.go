package modules

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.uber.org/fx"

	"github.com/memohai/memoh-wecom/internal/boot"
	"github.com/memohai/memoh-wecom/internal/config"
	"github.com/memohai/memoh-wecom/internal/kv"
	"github.com/memohai/memoh-wecom/internal/logger"
	"github.com/memohai/memoh-wecom/internal/storage"
	"github.com/memohai/memoh-wecom/internal/storage/providers/localfs"
	"github.com/memohai/memoh-wecom/internal/wecom/crypto"
)

var InfraModule = fx.Module(
	"Infra",
	fx.Provide(
		provideConfig,
		provideLogger,
		boot.ProvideRuntimeConfig,
		provideCryptor,
		provideKVStore,
		fx.Annotate(provideWorkspace, fx.As(new(storage.Provider))),
	),
)

// ---------------------------------------------------------------------------
// infrastructure providers
// ---------------------------------------------------------------------------

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideCryptor(rc *boot.RuntimeConfig) (*crypto.Cryptor, error) {
	c, err := crypto.New(rc.Token, rc.EncodingAESKey)
	if err != nil {
		return nil, fmt.Errorf("wecom crypto: %w", err)
	}
	return c, nil
}

func provideKVStore(lc fx.Lifecycle, log *slog.Logger, rc *boot.RuntimeConfig) (*kv.Store, error) {
	store, err := kv.Open(log, rc.PushStorePath)
	if err != nil {
		return nil, fmt.Errorf("open push url store: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func provideWorkspace(rc *boot.RuntimeConfig) (*localfs.Provider, error) {
	p, err := localfs.New(rc.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	return p, nil
}
