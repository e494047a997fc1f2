package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"signal-relay-go/market"
)

// momentumWindow 动量计算回看的历史价格条数。
const momentumWindow = 10

// MomentumEngine 基于近期价格动量的内置信号引擎。
// 动量 = (最新价 - 窗口首价) / 窗口首价；置信度随幅度线性放大。
type MomentumEngine struct {
	// ConfidenceScale 每 1% 动量对应的置信度，默认 25。
	ConfidenceScale float64
}

// NewMomentumEngine 创建默认参数的动量引擎。
func NewMomentumEngine() *MomentumEngine {
	return &MomentumEngine{ConfidenceScale: 25}
}

// Evaluate 实现 SignalEngine。
func (m *MomentumEngine) Evaluate(ctx context.Context, req Request) (Signal, error) {
	select {
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	default:
	}

	history := req.Snapshot.PriceHistory
	if len(history) < 2 {
		return Signal{}, fmt.Errorf("momentum: insufficient history for %s (%d points)", req.Symbol, len(history))
	}

	start := 0
	if len(history) > momentumWindow {
		start = len(history) - momentumWindow
	}
	first := history[start]
	last := history[len(history)-1]
	if first == 0 {
		return Signal{}, fmt.Errorf("momentum: zero base price for %s", req.Symbol)
	}

	momentum := (last - first) / first * 100

	action := "HOLD"
	switch {
	case momentum > 0.1:
		action = "BUY"
	case momentum < -0.1:
		action = "SELL"
	}

	confidence := math.Min(math.Abs(momentum)*m.ConfidenceScale, 100)

	return Signal{
		Symbol:      req.Symbol,
		Action:      action,
		Confidence:  confidence,
		EntryPrice:  last,
		Source:      "momentum",
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// ImbalancePressureEngine 订单簿失衡分析引擎：把最近一次失衡率
// 折算为多空压力记录在内部状态，供信号引擎之外的观测使用。
type ImbalancePressureEngine struct {
	mu       sync.RWMutex
	pressure map[string]float64
}

// NewImbalancePressureEngine 创建失衡压力分析引擎。
func NewImbalancePressureEngine() *ImbalancePressureEngine {
	return &ImbalancePressureEngine{pressure: make(map[string]float64)}
}

// Analyze 实现 AnalysisEngine。
func (e *ImbalancePressureEngine) Analyze(ctx context.Context, symbol string, snap market.Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	// 归一化到 [-1, 1]：0.5 为均衡
	e.mu.Lock()
	e.pressure[symbol] = (snap.Orderbook.ImbalanceRatio - 0.5) * 2
	e.mu.Unlock()
	return nil
}

// Pressure 返回某 symbol 的最近压力值。
func (e *ImbalancePressureEngine) Pressure(symbol string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pressure[symbol]
}
