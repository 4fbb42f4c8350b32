// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"VAR_NAME" default:"value" min:"0"`
//
// Load() 先读取可选的 .env 文件, 再使用反射自动填充。
// BACKEND_API_URL 为唯一必填项, 缺失时 Validate() 返回 ErrConfig (启动致命)。
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	apperrors "github.com/multi-agent/rag-relay/pkg/errors"
	"github.com/multi-agent/rag-relay/pkg/util"
)

// 后端请求体变体。
const (
	VariantRAG   = "rag"   // {query} / {query, stream}
	VariantTools = "tools" // {toolsQuery, messages, chatSettings}
)

// Config 应用全局配置，字段名与 .env 变量一一对应。
type Config struct {
	// 后端
	BackendAPIURL       string `env:"BACKEND_API_URL"`
	BackendAgentURL     string `env:"BACKEND_AGENT_URL"`
	BackendAgentSegment string `env:"BACKEND_AGENT_SEGMENT" default:"agent"`
	BackendVariant      string `env:"BACKEND_VARIANT" default:"rag"`

	// 超时 (秒)
	RelayTimeoutSec   int `env:"RELAY_TIMEOUT_SEC" default:"600" min:"1"`
	ConnectTimeoutSec int `env:"CONNECT_TIMEOUT_SEC" default:"30" min:"1"`
	WSWriteTimeoutSec int `env:"WS_WRITE_TIMEOUT_SEC" default:"10" min:"1"`

	// HTTP 入口; ASK_RATE_LIMIT_RPS=0 表示不限流
	HTTPAddr       string  `env:"HTTP_ADDR" default:":8080"`
	MaxUploadBytes int     `env:"MAX_UPLOAD_BYTES" default:"52428800" min:"1024"`
	AskRateLimit   float64 `env:"ASK_RATE_LIMIT_RPS" default:"0" min:"0"`
	AskRateBurst   int     `env:"ASK_RATE_BURST" default:"10" min:"1"`

	// 日志
	LogLevel string `env:"LOG_LEVEL" default:"INFO"`

	// PostgreSQL (可选: exchange 审计)
	PostgresConnStr     string `env:"POSTGRES_CONNECTION_STRING"`
	PostgresSchema      string `env:"POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize int    `env:"POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize int    `env:"POSTGRES_POOL_MAX_SIZE" default:"5" min:"1"`
	MigrationsDir       string `env:"MIGRATIONS_DIR" default:"migrations"`
	RetentionDays       int    `env:"EXCHANGE_RETENTION_DAYS" default:"30" min:"1"`
}

// Load 从 .env (若存在) 与环境变量加载配置。
//
// .env 不覆盖已存在的环境变量。
func Load() *Config {
	loadDotEnv()
	var cfg Config
	util.LoadFromEnv(&cfg)
	cfg.BackendVariant = strings.ToLower(cfg.BackendVariant)
	return &cfg
}

// loadDotEnv 自当前目录向上查找第一个 .env 并加载。
func loadDotEnv() {
	if p := os.Getenv("RELAY_ENV_FILE"); p != "" {
		_ = godotenv.Load(p)
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// Validate 校验启动必需配置。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BackendAPIURL) == "" {
		return apperrors.Wrap(apperrors.ErrConfig, "Config.Validate", "missing required environment variable: BACKEND_API_URL")
	}
	if err := checkURL(c.BackendAPIURL); err != nil {
		return apperrors.Wrapf(apperrors.ErrConfig, "Config.Validate", "BACKEND_API_URL: %v", err)
	}
	if c.BackendAgentURL != "" {
		if err := checkURL(c.BackendAgentURL); err != nil {
			return apperrors.Wrapf(apperrors.ErrConfig, "Config.Validate", "BACKEND_AGENT_URL: %v", err)
		}
	}
	switch c.BackendVariant {
	case VariantRAG, VariantTools:
	default:
		return apperrors.Wrapf(apperrors.ErrConfig, "Config.Validate", "unknown BACKEND_VARIANT %q", c.BackendVariant)
	}
	return nil
}

// RelayTimeout 整个后端交换的截止时长。
func (c *Config) RelayTimeout() time.Duration {
	return time.Duration(c.RelayTimeoutSec) * time.Second
}

// ConnectTimeout 建连超时。
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// WSWriteTimeout WebSocket 单帧写超时。
func (c *Config) WSWriteTimeout() time.Duration {
	return time.Duration(c.WSWriteTimeoutSec) * time.Second
}

func checkURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apperrors.Newf("Config.checkURL", "scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return apperrors.New("Config.checkURL", "host is empty")
	}
	return nil
}
