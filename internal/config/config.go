// Package config loads and exposes application configuration (TOML).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath               = "config.toml"
	DefaultHTTPAddr                 = ":8080"
	DefaultWebhookPath              = "/wecom"
	DefaultWorkspaceDir             = "workspace"
	DefaultPushStorePath            = "data/wecom.db"
	DefaultFileRetentionDays        = 3
	DefaultMaxFileSizeMB            = 20
	DefaultResponseURLCachePerScope = 20
	DefaultLockTimeoutSecs          = 900
	DefaultHistoryMaxTurns          = 30
	DefaultAgentGatewayTimeoutSecs  = 120
	DefaultPushRatePerMinute        = 20

	minLockTimeoutSecs = 30
	minHistoryMaxTurns = 2
	minResponseURLs    = 1
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	WeCom        WeComConfig        `toml:"wecom"`
	AgentGateway AgentGatewayConfig `toml:"agent_gateway"`
	Storage      StorageConfig      `toml:"storage"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP server listen address and the admin token
// guarding the push URL management routes.
type ServerConfig struct {
	Addr       string `toml:"addr"`
	AdminToken string `toml:"admin_token"`
}

// WeComConfig holds the intelligent-robot callback settings.
type WeComConfig struct {
	Token                     string   `toml:"token"`
	EncodingAESKey            string   `toml:"encoding_aes_key"`
	WebhookPath               string   `toml:"webhook_path"`
	GroupSharedHistoryEnabled bool     `toml:"group_shared_history_enabled"`
	GroupSharedHistoryChatIDs []string `toml:"group_shared_history_chat_ids"`
	FileRetentionDays         int      `toml:"file_retention_days"`
	MaxFileSizeMB             int64    `toml:"max_file_size_mb"`
	ResponseURLCachePerScope  int      `toml:"response_url_cache_per_scope"`
	LockTimeoutSecs           int      `toml:"lock_timeout_secs"`
	HistoryMaxTurns           int      `toml:"history_max_turns"`
	FallbackRobotWebhookURL   string   `toml:"fallback_robot_webhook_url"`
	PushRatePerMinute         int      `toml:"push_rate_per_minute"`
}

// AgentGatewayConfig holds the model execution gateway host and port.
type AgentGatewayConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// StorageConfig holds the attachment workspace and the push URL database path.
type StorageConfig struct {
	WorkspaceDir  string `toml:"workspace_dir"`
	PushStorePath string `toml:"push_store_path"`
}

// BaseURL returns the agent gateway base URL (e.g. http://127.0.0.1:8081) from host and port.
func (c AgentGatewayConfig) BaseURL() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 8081
	}
	return "http://" + host + ":" + strconv.Itoa(port)
}

// Timeout returns the streaming call timeout.
func (c AgentGatewayConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultAgentGatewayTimeoutSecs * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// LockTimeout returns the execution lock timeout, floored at 30 seconds.
func (c WeComConfig) LockTimeout() time.Duration {
	secs := c.LockTimeoutSecs
	if secs < minLockTimeoutSecs {
		secs = minLockTimeoutSecs
	}
	return time.Duration(secs) * time.Second
}

// HistoryTurns returns the history cap, floored at 2 turns.
func (c WeComConfig) HistoryTurns() int {
	if c.HistoryMaxTurns < minHistoryMaxTurns {
		return minHistoryMaxTurns
	}
	return c.HistoryMaxTurns
}

// ResponseURLsPerScope returns the response URL queue length, floored at 1.
func (c WeComConfig) ResponseURLsPerScope() int {
	if c.ResponseURLCachePerScope < minResponseURLs {
		return minResponseURLs
	}
	return c.ResponseURLCachePerScope
}

// MaxFileSizeBytes converts max_file_size_mb to bytes. Zero disables attachments.
func (c WeComConfig) MaxFileSizeBytes() int64 {
	if c.MaxFileSizeMB <= 0 {
		return 0
	}
	return c.MaxFileSizeMB * 1024 * 1024
}

// FileRetention returns how long downloaded attachments are kept.
func (c WeComConfig) FileRetention() time.Duration {
	days := c.FileRetentionDays
	if days < 1 {
		days = 1
	}
	return time.Duration(days) * 24 * time.Hour
}

// FallbackURL returns the trimmed global fallback robot webhook URL.
func (c WeComConfig) FallbackURL() string {
	return strings.TrimSpace(c.FallbackRobotWebhookURL)
}

// Validate reports missing crypto material.
func (c WeComConfig) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("wecom token is required")
	}
	if strings.TrimSpace(c.EncodingAESKey) == "" {
		return errors.New("wecom encoding_aes_key is required")
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("wecom webhook_path must start with /: %q", c.WebhookPath)
	}
	return nil
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		WeCom: WeComConfig{
			WebhookPath:              DefaultWebhookPath,
			FileRetentionDays:        DefaultFileRetentionDays,
			MaxFileSizeMB:            DefaultMaxFileSizeMB,
			ResponseURLCachePerScope: DefaultResponseURLCachePerScope,
			LockTimeoutSecs:          DefaultLockTimeoutSecs,
			HistoryMaxTurns:          DefaultHistoryMaxTurns,
			PushRatePerMinute:        DefaultPushRatePerMinute,
		},
		AgentGateway: AgentGatewayConfig{
			TimeoutSeconds: DefaultAgentGatewayTimeoutSecs,
		},
		Storage: StorageConfig{
			WorkspaceDir:  DefaultWorkspaceDir,
			PushStorePath: DefaultPushStorePath,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.WeCom.WebhookPath = strings.TrimRight(strings.TrimSpace(cfg.WeCom.WebhookPath), "/")
	if cfg.WeCom.WebhookPath == "" {
		cfg.WeCom.WebhookPath = DefaultWebhookPath
	}
	return cfg, nil
}
