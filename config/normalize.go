package config

// defaultThresholds 与触发层默认值保持一致。
var defaultThresholds = ThresholdConfig{
	PriceChangePercent:      0.5,
	VolumeSpikeMultiplier:   2.0,
	OrderbookImbalanceRatio: 0.7,
	LiquidationUSD:          1_000_000,
}

// Normalize 把非正的阈值回落到默认值，返回告警列表。
// 配置带错误阈值时服务继续跑在默认值上，而不是拒绝启动。
func Normalize(cfg *AppConfig) []string {
	var warnings []string

	if cfg.Thresholds.PriceChangePercent <= 0 {
		warnings = append(warnings, "thresholds.price_change_percent non-positive, using default")
		cfg.Thresholds.PriceChangePercent = defaultThresholds.PriceChangePercent
	}
	if cfg.Thresholds.VolumeSpikeMultiplier <= 0 {
		warnings = append(warnings, "thresholds.volume_spike_multiplier non-positive, using default")
		cfg.Thresholds.VolumeSpikeMultiplier = defaultThresholds.VolumeSpikeMultiplier
	}
	if cfg.Thresholds.OrderbookImbalanceRatio <= 0.5 || cfg.Thresholds.OrderbookImbalanceRatio > 1 {
		warnings = append(warnings, "thresholds.orderbook_imbalance_ratio outside (0.5,1], using default")
		cfg.Thresholds.OrderbookImbalanceRatio = defaultThresholds.OrderbookImbalanceRatio
	}
	if cfg.Thresholds.LiquidationUSD <= 0 {
		warnings = append(warnings, "thresholds.liquidation_threshold non-positive, using default")
		cfg.Thresholds.LiquidationUSD = defaultThresholds.LiquidationUSD
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if len(cfg.Log.Outputs) == 0 {
		cfg.Log.Outputs = []string{"stdout"}
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	return warnings
}
