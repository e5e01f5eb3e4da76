package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config описывает параметры сервера команд.
type Config struct {
	Agent struct {
		LogLevel  string `yaml:"log_level" env:"SIMCMD_LOG_LEVEL"`
		LogFormat string `yaml:"log_format" env:"SIMCMD_LOG_FORMAT"`
		LogFile   string `yaml:"log_file" env:"SIMCMD_LOG_FILE"`
		Rotation  struct {
			MaxSizeMB  int  `yaml:"max_size_mb"`
			MaxBackups int  `yaml:"max_backups"`
			MaxAgeDays int  `yaml:"max_age_days"`
			Compress   bool `yaml:"compress"`
		} `yaml:"rotation"`
	} `yaml:"agent"`
	Loop struct {
		TickHz            int `yaml:"tick_hz" env:"SIMCMD_TICK_HZ"`
		MaxPerTick        int `yaml:"max_per_tick" env:"SIMCMD_MAX_PER_TICK"`
		TickBudgetMS      int `yaml:"tick_budget_ms"`
		QueueCapacity     int `yaml:"queue_capacity" env:"SIMCMD_QUEUE_CAPACITY"`
		DeferredTimeoutMS int `yaml:"deferred_timeout_ms"`
	} `yaml:"loop"`
	World struct {
		Level   string `yaml:"level" env:"SIMCMD_LEVEL"`
		Cameras int    `yaml:"cameras"`
	} `yaml:"world"`
	TCP struct {
		Enabled     bool   `yaml:"enabled" env:"SIMCMD_TCP_ENABLED"`
		ListenAddr  string `yaml:"listen_addr" env:"SIMCMD_TCP_ADDR"`
		Framing     string `yaml:"framing" env:"SIMCMD_TCP_FRAMING"`
		MaxFrame    int    `yaml:"max_frame"`
		IdleTimeout int    `yaml:"idle_timeout_s"`
	} `yaml:"tcp"`
	Web struct {
		Enabled            bool     `yaml:"enabled" env:"SIMCMD_WEB_ENABLED"`
		ListenAddr         string   `yaml:"listen_addr" env:"SIMCMD_WEB_ADDR"`
		ReadTimeoutMS      int      `yaml:"read_timeout_ms"`
		WriteTimeoutMS     int      `yaml:"write_timeout_ms"`
		RequestTimeoutMS   int      `yaml:"request_timeout_ms"`
		ShutdownTimeoutS   int      `yaml:"shutdown_timeout_s"`
		MaxBodyBytes       int64    `yaml:"max_body_bytes"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"SIMCMD_WEB_CORS_ORIGINS"`
	} `yaml:"web"`
	Valkey struct {
		Enabled        bool   `yaml:"enabled" env:"SIMCMD_VALKEY_ENABLED"`
		Addr           string `yaml:"addr" env:"SIMCMD_VALKEY_ADDR"`
		Username       string `yaml:"username" env:"SIMCMD_VALKEY_USERNAME"`
		Password       string `yaml:"password" env:"SIMCMD_VALKEY_PASSWORD"`
		RequestChannel string `yaml:"request_channel"`
		ReplyChannel   string `yaml:"reply_channel"`
	} `yaml:"valkey"`
	SQLite struct {
		Path          string `yaml:"path" env:"SIMCMD_SQLITE_PATH"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"sqlite"`
	Limits struct {
		RequestsPerWindow int `yaml:"requests_per_window"`
		WindowMS          int `yaml:"window_ms"`
	} `yaml:"limits"`
	Scheduler struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"scheduler"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	var cfg Config
	cfg.Agent.LogLevel = "info"
	cfg.Agent.LogFormat = "json"
	cfg.Agent.Rotation.MaxSizeMB = 50
	cfg.Agent.Rotation.MaxBackups = 3
	cfg.Agent.Rotation.MaxAgeDays = 7
	cfg.Loop.TickHz = 30
	cfg.Loop.MaxPerTick = 256
	cfg.Loop.TickBudgetMS = 0
	cfg.Loop.QueueCapacity = 0
	cfg.Loop.DeferredTimeoutMS = 30000
	cfg.World.Level = "default"
	cfg.World.Cameras = 1
	cfg.TCP.Enabled = true
	cfg.TCP.ListenAddr = "127.0.0.1:9000"
	cfg.TCP.Framing = "line"
	cfg.TCP.MaxFrame = 1 << 24
	cfg.Web.Enabled = false
	cfg.Web.ListenAddr = "127.0.0.1:9001"
	cfg.Web.ReadTimeoutMS = 2000
	cfg.Web.WriteTimeoutMS = 5000
	cfg.Web.RequestTimeoutMS = 3000
	cfg.Web.ShutdownTimeoutS = 5
	cfg.Web.MaxBodyBytes = 1 << 20
	cfg.Valkey.Addr = "127.0.0.1:6379"
	cfg.Valkey.RequestChannel = "simcmd:requests"
	cfg.Valkey.ReplyChannel = "simcmd:replies"
	cfg.SQLite.Path = "/var/lib/simcmd/state.db"
	cfg.SQLite.RetentionDays = 30
	cfg.Limits.RequestsPerWindow = 0
	cfg.Limits.WindowMS = 1000
	cfg.Scheduler.IntervalSeconds = 60
	return cfg
}

// Load читает конфиг из файла YAML поверх значений по умолчанию,
// затем применяет переменные окружения SIMCMD_*.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- путь к конфигу задается доверенным оператором/CI.
		if err != nil {
			return cfg, err
		}
		if len(data) == 0 {
			return cfg, errors.New("config file is empty")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate проверяет значения, без которых сервер не запустится.
func (c Config) Validate() error {
	if c.Loop.TickHz <= 0 {
		return fmt.Errorf("loop.tick_hz must be positive, got %d", c.Loop.TickHz)
	}
	if c.Loop.MaxPerTick < 0 || c.Loop.QueueCapacity < 0 || c.Loop.DeferredTimeoutMS < 0 {
		return errors.New("loop limits must not be negative")
	}
	if c.TCP.Framing != "line" && c.TCP.Framing != "prefixed" {
		return fmt.Errorf("tcp.framing must be line or prefixed, got %q", c.TCP.Framing)
	}
	if c.Limits.RequestsPerWindow < 0 {
		return errors.New("limits.requests_per_window must not be negative")
	}
	return nil
}

// TickInterval возвращает период тика цикла.
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Loop.TickHz)
}

// Millis переводит миллисекунды конфига в time.Duration.
func Millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }
