package trigger

import (
	"fmt"
	"sync/atomic"
)

// Thresholds 触发阈值，运行期整体原子替换，读路径无锁。
// 所有值必须 > 0。
type Thresholds struct {
	PriceChangePercent      float64 `json:"price_change_percent"`      // 价格变动百分比，如 0.5 表示 0.5%
	VolumeSpikeMultiplier   float64 `json:"volume_spike_multiplier"`   // 当前量 > 平均量 * multiplier 触发
	OrderbookImbalanceRatio float64 `json:"orderbook_imbalance_ratio"` // (0.5,1] 区间的失衡率阈值
	LiquidationUSD          float64 `json:"liquidation_threshold"`     // 单笔强平名义美元阈值
}

// DefaultThresholds 与上游默认配置一致。
func DefaultThresholds() Thresholds {
	return Thresholds{
		PriceChangePercent:      0.5,
		VolumeSpikeMultiplier:   2.0,
		OrderbookImbalanceRatio: 0.7,
		LiquidationUSD:          1_000_000,
	}
}

// Validate 拒绝零或负阈值。
func (t Thresholds) Validate() error {
	if t.PriceChangePercent <= 0 {
		return fmt.Errorf("price_change_percent must be > 0, got %f", t.PriceChangePercent)
	}
	if t.VolumeSpikeMultiplier <= 0 {
		return fmt.Errorf("volume_spike_multiplier must be > 0, got %f", t.VolumeSpikeMultiplier)
	}
	// 失衡比较以 0.5 为中点，阈值 <=0.5 会让每次盘口更新都触发
	if t.OrderbookImbalanceRatio <= 0.5 || t.OrderbookImbalanceRatio > 1 {
		return fmt.Errorf("orderbook_imbalance_ratio must be in (0.5,1], got %f", t.OrderbookImbalanceRatio)
	}
	if t.LiquidationUSD <= 0 {
		return fmt.Errorf("liquidation_threshold must be > 0, got %f", t.LiquidationUSD)
	}
	return nil
}

// ThresholdStore 以 copy-on-write 方式保存阈值。
// 读远多于写：Load 返回当前指针，Update 构造新副本后整体替换。
type ThresholdStore struct {
	cur atomic.Pointer[Thresholds]
}

// NewThresholdStore 创建阈值存储；初值非法时返回错误。
func NewThresholdStore(initial Thresholds) (*ThresholdStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &ThresholdStore{}
	s.cur.Store(&initial)
	return s, nil
}

// Load 返回当前阈值的值拷贝。
func (s *ThresholdStore) Load() Thresholds {
	return *s.cur.Load()
}

// Update 合并部分更新（键名与管理接口一致），非法值整体拒绝。
func (s *ThresholdStore) Update(values map[string]float64) error {
	next := s.Load()
	for key, v := range values {
		switch key {
		case "price_change_percent":
			next.PriceChangePercent = v
		case "volume_spike_multiplier":
			next.VolumeSpikeMultiplier = v
		case "orderbook_imbalance_ratio":
			next.OrderbookImbalanceRatio = v
		case "liquidation_threshold":
			next.LiquidationUSD = v
		default:
			return fmt.Errorf("unknown threshold key: %s", key)
		}
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.cur.Store(&next)
	return nil
}
