package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"signal-relay-go/infrastructure/logger"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string                   `yaml:"env"`
	Log        logger.Config            `yaml:"log"`
	Exchange   ExchangeConfig           `yaml:"exchange"`
	Server     ServerConfig             `yaml:"server"`
	Thresholds ThresholdConfig          `yaml:"thresholds"`
	Channels   map[string]ChannelConfig `yaml:"channels"`
	Engine     EngineConfig             `yaml:"engine"`
	Bus        BusConfig                `yaml:"bus"`
	Metrics    MetricsConfig            `yaml:"metrics"`
}

// ExchangeConfig 上游行情源配置。
type ExchangeConfig struct {
	Endpoint string   `yaml:"endpoint"` // 公共 WebSocket 地址
	Symbols  []string `yaml:"symbols"`  // 启动即订阅的交易对，可为空（全懒加载）
}

// ServerConfig 本进程各监听地址。
type ServerConfig struct {
	WSAddr      string `yaml:"wsAddr"`      // 订阅端 WebSocket
	AdminAddr   string `yaml:"adminAddr"`   // 管理面 HTTP
	MetricsAddr string `yaml:"metricsAddr"` // Prometheus /metrics
}

// ThresholdConfig 触发阈值。键名与管理接口一致。
type ThresholdConfig struct {
	PriceChangePercent      float64 `yaml:"price_change_percent"`
	VolumeSpikeMultiplier   float64 `yaml:"volume_spike_multiplier"`
	OrderbookImbalanceRatio float64 `yaml:"orderbook_imbalance_ratio"`
	LiquidationUSD          float64 `yaml:"liquidation_threshold"`
}

// ChannelConfig 下发通道的批量参数。
type ChannelConfig struct {
	IntervalSeconds    float64 `yaml:"interval_seconds"`
	MinChangePercent   float64 `yaml:"min_change_percent"`
	MinImbalanceChange float64 `yaml:"min_imbalance_change"`
	MaxBatchSize       int     `yaml:"max_batch_size"`
	QueueSize          int     `yaml:"queue_size"`
}

// EngineConfig 信号引擎工作池参数。
type EngineConfig struct {
	Workers        int     `yaml:"workers"`
	QueueSize      int     `yaml:"queue_size"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// Timeout 返回引擎单次评估时限；未配置时为零值，由引擎侧取默认。
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds * float64(time.Second))
}

// BusConfig 进程内事件总线参数。
type BusConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig 指标广播参数。
type MetricsConfig struct {
	EmitIntervalSeconds float64 `yaml:"emit_interval_seconds"`
}

// EmitInterval 指标广播周期；未配置时为零值，由广播器取默认。
func (m MetricsConfig) EmitInterval() time.Duration {
	return time.Duration(m.EmitIntervalSeconds * float64(time.Second))
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides select fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("RELAY_EXCHANGE_ENDPOINT"); v != "" {
		cfg.Exchange.Endpoint = v
	}
	if v := os.Getenv("RELAY_SYMBOLS"); v != "" {
		cfg.Exchange.Symbols = splitSymbols(v)
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, Validate(cfg)
}

func splitSymbols(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate ensures required fields are present. 阈值和通道参数不在这里
// 卡死：非正值在 Normalize 阶段回落到默认并告警。
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Exchange.Endpoint == "" {
		return errors.New("exchange.endpoint is required")
	}
	if cfg.Server.WSAddr == "" {
		return errors.New("server.wsAddr is required")
	}
	if cfg.Engine.Workers < 0 || cfg.Engine.QueueSize < 0 {
		return errors.New("engine.workers/queue_size must be >= 0")
	}
	if cfg.Bus.BufferSize < 0 {
		return errors.New("bus.buffer_size must be >= 0")
	}
	for name, ch := range cfg.Channels {
		if ch.MaxBatchSize < 0 || ch.QueueSize < 0 {
			return fmt.Errorf("channel %s batch/queue sizes must be >= 0", name)
		}
	}
	return nil
}
