// Package boot provides runtime configuration and dependency wiring for the gateway.
package boot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/memohai/memoh-wecom/internal/config"
)

// RuntimeConfig holds parsed runtime settings (listen address, WeCom crypto material, storage paths).
// Values may be overridden by environment variables (e.g. HTTP_ADDR, WECOM_TOKEN).
type RuntimeConfig struct {
	ServerAddr     string
	AdminToken     string
	WebhookPath    string
	Token          string
	EncodingAESKey string
	WorkspaceDir   string
	PushStorePath  string
}

// ProvideRuntimeConfig builds RuntimeConfig from the given config and applies env overrides.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	ret := &RuntimeConfig{
		ServerAddr:     cfg.Server.Addr,
		AdminToken:     strings.TrimSpace(cfg.Server.AdminToken),
		WebhookPath:    cfg.WeCom.WebhookPath,
		Token:          strings.TrimSpace(cfg.WeCom.Token),
		EncodingAESKey: strings.TrimSpace(cfg.WeCom.EncodingAESKey),
		WorkspaceDir:   cfg.Storage.WorkspaceDir,
		PushStorePath:  cfg.Storage.PushStorePath,
	}

	if value := os.Getenv("HTTP_ADDR"); value != "" {
		ret.ServerAddr = value
	}
	if value := os.Getenv("WECOM_TOKEN"); value != "" {
		ret.Token = strings.TrimSpace(value)
	}
	if value := os.Getenv("WECOM_ENCODING_AES_KEY"); value != "" {
		ret.EncodingAESKey = strings.TrimSpace(value)
	}
	if value := os.Getenv("WECOM_ADMIN_TOKEN"); value != "" {
		ret.AdminToken = strings.TrimSpace(value)
	}

	check := cfg.WeCom
	check.Token = ret.Token
	check.EncodingAESKey = ret.EncodingAESKey
	if err := check.Validate(); err != nil {
		return nil, err
	}

	if ret.WorkspaceDir == "" {
		ret.WorkspaceDir = config.DefaultWorkspaceDir
	}
	abs, err := filepath.Abs(ret.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	ret.WorkspaceDir = abs
	if ret.PushStorePath == "" {
		ret.PushStorePath = config.DefaultPushStorePath
	}
	return ret, nil
}
