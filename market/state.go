package market

import "time"

// PriceHistoryCap 每个交易对保留的历史价格条数。
const PriceHistoryCap = 100

// LiquidationCap 每个交易对保留的最近强平条数。
const LiquidationCap = 50

// VolumeWindow 滚动平均成交量的窗口大小（最近 N 次 ticker 更新）。
const VolumeWindow = 20

// SymbolState holds the latest ticker-derived facts for one symbol.
type SymbolState struct {
	Symbol        string
	Price         float64
	PrevPrice     float64
	Volume24h     float64
	Change24h     float64
	ChangePercent float64
	UpdatedAt     time.Time
}

// OrderbookSnapshot 最新一次 orderbook 计算结果，每次更新整体覆盖。
type OrderbookSnapshot struct {
	Symbol         string
	BestBid        float64
	BestAsk        float64
	BidVolume      float64
	AskVolume      float64
	ImbalanceRatio float64 // bid/(bid+ask)，范围 [0,1]，双边为零时取 0.5
	Spread         float64
	UpdatedAt      time.Time
}

// Side 强平方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// LiquidationEvent 单笔强平记录。
type LiquidationEvent struct {
	Symbol    string
	Side      Side
	AmountUSD float64
	Price     float64
	Timestamp time.Time
}

// Snapshot is a read-only copy of everything the store knows about a symbol.
// Slices are copied; callers may keep the snapshot without holding any lock.
type Snapshot struct {
	State        SymbolState
	PriceHistory []float64
	Orderbook    OrderbookSnapshot
	Liquidations []LiquidationEvent
	Taken        time.Time
}

// TickerResult 返回给触发器评估用的衍生值。
type TickerResult struct {
	PrevPrice     float64
	ChangePercent float64
	Volume        float64 // 本次 24h 成交量
	AvgVolume     float64 // 滚动窗口平均（不含本次），首次更新时等于本次 volume
}

// Level 订单簿单档（价格、数量）。
type Level struct {
	Price float64
	Size  float64
}
