package dispatch

import (
	"fmt"
	"time"
)

// 出站通道名。每个通道有独立的批量配置与工作循环。
const (
	ChannelPrice     = "price_update"
	ChannelSignal    = "signal"
	ChannelOrderbook = "orderbook"
)

// Channels 全部出站通道。
func Channels() []string {
	return []string{ChannelPrice, ChannelSignal, ChannelOrderbook}
}

// ChannelConfig 单通道批量/节流配置。
type ChannelConfig struct {
	Interval           time.Duration `yaml:"interval"`             // 刷出间隔
	MinChangePercent   float64       `yaml:"min_change_percent"`   // price 通道显著性阈值（百分比）
	MinImbalanceChange float64       `yaml:"min_imbalance_change"` // orderbook 通道显著性阈值（绝对值）
	MaxBatchSize       int           `yaml:"max_batch_size"`       // 达到该量立即刷出
	QueueSize          int           `yaml:"queue_size"`           // 入站队列容量
}

// DefaultConfigs 与上游默认值一致的通道配置。
func DefaultConfigs() map[string]ChannelConfig {
	return map[string]ChannelConfig{
		ChannelPrice: {
			Interval:         1 * time.Second,
			MinChangePercent: 0.1,
			MaxBatchSize:     50,
			QueueSize:        1000,
		},
		ChannelSignal: {
			Interval:     500 * time.Millisecond,
			MaxBatchSize: 10,
			QueueSize:    100,
		},
		ChannelOrderbook: {
			Interval:           2 * time.Second,
			MinImbalanceChange: 0.05,
			MaxBatchSize:       20,
			QueueSize:          500,
		},
	}
}

// Validate 检查单通道配置合法性。
func (c ChannelConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be > 0, got %v", c.Interval)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MinChangePercent < 0 || c.MinImbalanceChange < 0 {
		return fmt.Errorf("significance thresholds must be >= 0")
	}
	return nil
}

// merge 应用管理接口的部分更新（键名与外部协议一致）。
func (c ChannelConfig) merge(values map[string]float64) (ChannelConfig, error) {
	next := c
	for key, v := range values {
		switch key {
		case "interval_seconds":
			next.Interval = time.Duration(v * float64(time.Second))
		case "min_change_percent":
			next.MinChangePercent = v
		case "min_imbalance_change":
			next.MinImbalanceChange = v
		case "max_batch_size":
			next.MaxBatchSize = int(v)
		default:
			return next, fmt.Errorf("unknown batch config key: %s", key)
		}
	}
	if err := next.Validate(); err != nil {
		return next, err
	}
	return next, nil
}
