package trigger

import (
	"math"
	"time"

	"signal-relay-go/market"
)

// Kind 触发类型。
type Kind string

const (
	KindPriceBreakout      Kind = "price_breakout"
	KindVolumeSpike        Kind = "volume_spike"
	KindOrderbookImbalance Kind = "orderbook_imbalance"
	KindLiquidation        Kind = "liquidation"
	KindManual             Kind = "manual"
)

// 总线主题。所有触发事件都发布到 TopicSignalTrigger，
// 各类型再附带发布到对应子主题。
const (
	TopicSignalTrigger      = "signal_trigger"
	TopicPriceUpdate        = "price_update"
	TopicVolumeSpike        = "volume_spike"
	TopicOrderbookImbalance = "orderbook_imbalance"
	TopicLiquidationEvent   = "liquidation_event"
)

// Event 一次阈值穿越产生的触发事件，发布后即丢弃，不持久化。
type Event struct {
	Symbol    string    `json:"symbol"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// PricePayload price_breakout 负载。
type PricePayload struct {
	Price         float64 `json:"price"`
	PrevPrice     float64 `json:"prev_price"`
	ChangePercent float64 `json:"change_percent"`
}

// VolumePayload volume_spike 负载。
type VolumePayload struct {
	Volume     float64 `json:"volume"`
	AvgVolume  float64 `json:"avg_volume"`
	SpikeRatio float64 `json:"spike_ratio"`
}

// ImbalancePayload orderbook_imbalance 负载。
type ImbalancePayload struct {
	ImbalanceRatio float64 `json:"imbalance_ratio"`
	BidVolume      float64 `json:"bid_volume"`
	AskVolume      float64 `json:"ask_volume"`
}

// LiquidationPayload liquidation 负载。
type LiquidationPayload struct {
	Side      market.Side `json:"side"`
	AmountUSD float64     `json:"amount_usd"`
	Price     float64     `json:"price"`
}

// Publisher 事件发布端（由 bus 实现）。
type Publisher interface {
	Publish(topic string, payload any)
}

// Evaluator 根据状态变化判断阈值是否穿越，并构造触发事件。
// 它不感知下游消费者，只向总线发布。
type Evaluator struct {
	thresholds *ThresholdStore
	pub        Publisher
	now        func() time.Time
}

// NewEvaluator 创建评估器。
func NewEvaluator(ts *ThresholdStore, pub Publisher) *Evaluator {
	return &Evaluator{thresholds: ts, pub: pub, now: time.Now}
}

// OnTicker 评估价格与成交量触发。prev 为零（首次更新）时跳过价格触发。
// 价格阈值为闭区间：变动恰好等于阈值时触发。
func (e *Evaluator) OnTicker(symbol string, price float64, res market.TickerResult) []Event {
	th := e.thresholds.Load()
	var fired []Event

	if res.PrevPrice != 0 {
		changePct := math.Abs((price - res.PrevPrice) / res.PrevPrice * 100)
		if changePct >= th.PriceChangePercent {
			fired = append(fired, e.emit(symbol, KindPriceBreakout, TopicPriceUpdate, PricePayload{
				Price:         price,
				PrevPrice:     res.PrevPrice,
				ChangePercent: changePct,
			}))
		}
	}

	// 平均量取 store 维护的滚动窗口（最近 market.VolumeWindow 次更新，不含本次）
	if res.AvgVolume > 0 && res.Volume > res.AvgVolume*th.VolumeSpikeMultiplier {
		fired = append(fired, e.emit(symbol, KindVolumeSpike, TopicVolumeSpike, VolumePayload{
			Volume:     res.Volume,
			AvgVolume:  res.AvgVolume,
			SpikeRatio: res.Volume / res.AvgVolume,
		}))
	}
	return fired
}

// OnOrderbook 评估失衡触发：|ratio-0.5| 超过阈值相对 0.5 的偏移量时触发。
func (e *Evaluator) OnOrderbook(snap market.OrderbookSnapshot) []Event {
	th := e.thresholds.Load()
	if math.Abs(snap.ImbalanceRatio-0.5) > th.OrderbookImbalanceRatio-0.5 {
		ev := e.emit(snap.Symbol, KindOrderbookImbalance, TopicOrderbookImbalance, ImbalancePayload{
			ImbalanceRatio: snap.ImbalanceRatio,
			BidVolume:      snap.BidVolume,
			AskVolume:      snap.AskVolume,
		})
		return []Event{ev}
	}
	return nil
}

// OnLiquidation 评估强平触发：名义美元额严格大于阈值时触发。
func (e *Evaluator) OnLiquidation(ev market.LiquidationEvent) []Event {
	th := e.thresholds.Load()
	if ev.AmountUSD > th.LiquidationUSD {
		out := e.emit(ev.Symbol, KindLiquidation, TopicLiquidationEvent, LiquidationPayload{
			Side:      ev.Side,
			AmountUSD: ev.AmountUSD,
			Price:     ev.Price,
		})
		return []Event{out}
	}
	return nil
}

// Manual 注入人工触发事件，绕过所有阈值检查，只发布到 signal_trigger。
func (e *Evaluator) Manual(symbol string, payload any) Event {
	ev := Event{
		Symbol:    symbol,
		Kind:      KindManual,
		Payload:   payload,
		Timestamp: e.now(),
	}
	if e.pub != nil {
		e.pub.Publish(TopicSignalTrigger, ev)
	}
	return ev
}

func (e *Evaluator) emit(symbol string, kind Kind, subTopic string, payload any) Event {
	ev := Event{
		Symbol:    symbol,
		Kind:      kind,
		Payload:   payload,
		Timestamp: e.now(),
	}
	if e.pub != nil {
		e.pub.Publish(TopicSignalTrigger, ev)
		e.pub.Publish(subTopic, ev)
	}
	return ev
}
