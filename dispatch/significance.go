package dispatch

import (
	"math"
	"sync"
)

// significanceFilter 按 (channel, symbol) 记录最近一次放行的值，
// 抑制与上次放行值几乎相同的更新。结构取自告警节流器的
// lastSent map + 互斥锁形态。
type significanceFilter struct {
	mu       sync.Mutex
	lastSent map[string]float64
}

func newSignificanceFilter() *significanceFilter {
	return &significanceFilter{lastSent: make(map[string]float64)}
}

// admit 判断消息是否显著。放行时立即更新 last-sent 基准，
// 因此中间到达多少条不显著更新都不影响判断基准。
func (f *significanceFilter) admit(channel string, cfg ChannelConfig, msg Message) bool {
	switch channel {
	case ChannelPrice:
		return f.admitDelta(channel, msg, func(cur, last float64) bool {
			if last == 0 {
				return true
			}
			return math.Abs((cur-last)/last*100) >= cfg.MinChangePercent
		})
	case ChannelOrderbook:
		return f.admitDelta(channel, msg, func(cur, last float64) bool {
			return math.Abs(cur-last) >= cfg.MinImbalanceChange
		})
	default:
		// signal 通道永不抑制
		return true
	}
}

func (f *significanceFilter) admitDelta(channel string, msg Message, significant func(cur, last float64) bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := channel + ":" + msg.Symbol
	last, seen := f.lastSent[key]
	// 首个值总是放行
	if !seen || significant(msg.Value, last) {
		f.lastSent[key] = msg.Value
		return true
	}
	return false
}

// reset 清空某通道的基准（配置变更后调用方可选择重置）。
func (f *significanceFilter) reset(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := channel + ":"
	for k := range f.lastSent {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.lastSent, k)
		}
	}
}
