package gateway

import (
	"time"

	"signal-relay-go/dispatch"
	"signal-relay-go/infrastructure/logger"
	"signal-relay-go/market"
	"signal-relay-go/trigger"

	"go.uber.org/zap"
)

// IngestMetrics 接入路径的计量回调。
type IngestMetrics interface {
	MessageProcessed()
	ParseRejected()
	TriggerFired(kind string)
}

type nopIngestMetrics struct{}

func (nopIngestMetrics) MessageProcessed()   {}
func (nopIngestMetrics) ParseRejected()      {}
func (nopIngestMetrics) TriggerFired(string) {}

// PriceUpdate 批量层 price 通道的单条负载。
type PriceUpdate struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	PrevPrice float64 `json:"prev_price"`
	Volume    float64 `json:"volume"`
}

// OrderbookUpdate 批量层 orderbook 通道的单条负载。
type OrderbookUpdate struct {
	Symbol         string  `json:"symbol"`
	BestBid        float64 `json:"best_bid"`
	BestAsk        float64 `json:"best_ask"`
	ImbalanceRatio float64 `json:"imbalance_ratio"`
	Spread         float64 `json:"spread"`
}

// Handler 接入管道：解析消息 → 更新状态 → 评估触发 → 喂给批量层。
// 单条消息解析失败只拒绝该条并计数，流继续。
type Handler struct {
	store      *market.Store
	evaluator  *trigger.Evaluator
	dispatcher *dispatch.Dispatcher
	mon        IngestMetrics
	log        *logger.Logger
}

// NewHandler 创建接入处理器。
func NewHandler(store *market.Store, ev *trigger.Evaluator, d *dispatch.Dispatcher, mon IngestMetrics, log *logger.Logger) *Handler {
	if mon == nil {
		mon = nopIngestMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{store: store, evaluator: ev, dispatcher: d, mon: mon, log: log}
}

// OnRawMessage 处理一条上游原始帧。
func (h *Handler) OnRawMessage(raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		h.mon.ParseRejected()
		h.log.Warn("upstream message rejected", zap.Error(err))
		return
	}
	if msg == nil {
		// 订阅确认等控制帧
		return
	}

	switch m := msg.(type) {
	case *TickerMsg:
		h.OnTicker(m)
	case *OrderbookMsg:
		h.OnOrderbook(m)
	case *LiquidationMsg:
		h.OnLiquidation(m)
	}
}

// OnTicker 行情更新入口。
func (h *Handler) OnTicker(m *TickerMsg) {
	res := h.store.UpdateTicker(m.Symbol, m.LastPrice, m.Vol24h, m.Change24h, m.Ts)
	h.mon.MessageProcessed()

	fired := h.evaluator.OnTicker(m.Symbol, m.LastPrice, res)
	h.recordTriggers(fired)

	if h.dispatcher != nil {
		h.dispatcher.Enqueue(dispatch.ChannelPrice, dispatch.Message{
			Symbol: m.Symbol,
			Value:  m.LastPrice,
			Payload: PriceUpdate{
				Symbol:    m.Symbol,
				Price:     m.LastPrice,
				PrevPrice: res.PrevPrice,
				Volume:    m.Vol24h,
			},
		})
	}
}

// OnOrderbook 订单簿更新入口。
func (h *Handler) OnOrderbook(m *OrderbookMsg) {
	snap := h.store.UpdateOrderbook(m.Symbol, m.Bids, m.Asks, time.Now().UTC())
	h.mon.MessageProcessed()

	fired := h.evaluator.OnOrderbook(snap)
	h.recordTriggers(fired)

	if h.dispatcher != nil {
		h.dispatcher.Enqueue(dispatch.ChannelOrderbook, dispatch.Message{
			Symbol: m.Symbol,
			Value:  snap.ImbalanceRatio,
			Payload: OrderbookUpdate{
				Symbol:         m.Symbol,
				BestBid:        snap.BestBid,
				BestAsk:        snap.BestAsk,
				ImbalanceRatio: snap.ImbalanceRatio,
				Spread:         snap.Spread,
			},
		})
	}
}

// OnLiquidation 强平更新入口。
func (h *Handler) OnLiquidation(m *LiquidationMsg) {
	ev := h.store.RecordLiquidation(m.Symbol, m.Side, m.AmountUSD, m.Price, m.Ts)
	h.mon.MessageProcessed()

	fired := h.evaluator.OnLiquidation(ev)
	h.recordTriggers(fired)
}

func (h *Handler) recordTriggers(fired []trigger.Event) {
	for _, ev := range fired {
		h.mon.TriggerFired(string(ev.Kind))
		h.log.LogTrigger(string(ev.Kind), ev.Symbol, nil)
	}
}
