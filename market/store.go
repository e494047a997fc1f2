package market

import (
	"hash/fnv"
	"sync"
	"time"
)

// DefaultShardCount 分片数量；按 symbol 哈希取模。
const DefaultShardCount = 16

// TopLevels 订单簿聚合量只取前 N 档。
const TopLevels = 10

// Store 按 symbol 分片的行情状态存储。
// 同一 symbol 的更新互斥；不同分片上的 symbol 互不阻塞。
type Store struct {
	shards []*shard
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*symbolEntry
}

type symbolEntry struct {
	state        SymbolState
	history      []float64
	volumes      []float64 // 滚动成交量窗口，用于 volume spike 平均
	orderbook    OrderbookSnapshot
	liquidations []LiquidationEvent
}

// NewStore 创建分片存储；shardCount <= 0 时使用默认值。
func NewStore(shardCount int) *Store {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	s := &Store{shards: make([]*shard, shardCount)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*symbolEntry)}
	}
	return s
}

func (s *Store) shardFor(symbol string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// UpdateTicker 更新最新价与 24h 数据，追加历史价，返回触发器所需的衍生值。
// prev price 取上一次存储的价格；首次更新时 prev=0、ChangePercent=0。
func (s *Store) UpdateTicker(symbol string, price, volume, change24h float64, ts time.Time) TickerResult {
	sh := s.shardFor(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entry(symbol)
	prev := e.state.Price
	changePct := 0.0
	if prev != 0 {
		changePct = (price - prev) / prev * 100
	}

	e.state = SymbolState{
		Symbol:        symbol,
		Price:         price,
		PrevPrice:     prev,
		Volume24h:     volume,
		Change24h:     change24h,
		ChangePercent: changePct,
		UpdatedAt:     ts,
	}

	e.history = append(e.history, price)
	if len(e.history) > PriceHistoryCap {
		e.history = e.history[1:]
	}

	// 平均值按"进入本次之前"的窗口计算，避免当前值稀释自身的尖峰
	avg := volume
	if len(e.volumes) > 0 {
		sum := 0.0
		for _, v := range e.volumes {
			sum += v
		}
		avg = sum / float64(len(e.volumes))
	}
	e.volumes = append(e.volumes, volume)
	if len(e.volumes) > VolumeWindow {
		e.volumes = e.volumes[1:]
	}

	return TickerResult{PrevPrice: prev, ChangePercent: changePct, Volume: volume, AvgVolume: avg}
}

// UpdateOrderbook 聚合前 TopLevels 档量，计算失衡率与价差，整体覆盖快照。
func (s *Store) UpdateOrderbook(symbol string, bids, asks []Level, ts time.Time) OrderbookSnapshot {
	bidVol := sumTopLevels(bids, TopLevels)
	askVol := sumTopLevels(asks, TopLevels)

	snap := OrderbookSnapshot{
		Symbol:         symbol,
		BidVolume:      bidVol,
		AskVolume:      askVol,
		ImbalanceRatio: ImbalanceRatio(bidVol, askVol),
		UpdatedAt:      ts,
	}
	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
	}
	if len(bids) > 0 && len(asks) > 0 {
		snap.Spread = snap.BestAsk - snap.BestBid
	}

	sh := s.shardFor(symbol)
	sh.mu.Lock()
	sh.entry(symbol).orderbook = snap
	sh.mu.Unlock()
	return snap
}

// RecordLiquidation 追加强平记录，超出容量时淘汰最旧一条。
func (s *Store) RecordLiquidation(symbol string, side Side, amountUSD, price float64, ts time.Time) LiquidationEvent {
	ev := LiquidationEvent{
		Symbol:    symbol,
		Side:      side,
		AmountUSD: amountUSD,
		Price:     price,
		Timestamp: ts,
	}

	sh := s.shardFor(symbol)
	sh.mu.Lock()
	e := sh.entry(symbol)
	e.liquidations = append(e.liquidations, ev)
	if len(e.liquidations) > LiquidationCap {
		e.liquidations = e.liquidations[1:]
	}
	sh.mu.Unlock()
	return ev
}

// GetSnapshot 返回只读副本；内部切片全部复制，调用方可自由持有。
func (s *Store) GetSnapshot(symbol string) (Snapshot, bool) {
	sh := s.shardFor(symbol)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.entries[symbol]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		State:        e.state,
		PriceHistory: append([]float64(nil), e.history...),
		Orderbook:    e.orderbook,
		Liquidations: append([]LiquidationEvent(nil), e.liquidations...),
		Taken:        time.Now(),
	}
	return snap, true
}

// ActiveSymbols 当前有状态的 symbol 列表（无序）。
func (s *Store) ActiveSymbols() []string {
	var out []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for sym := range sh.entries {
			out = append(out, sym)
		}
		sh.mu.RUnlock()
	}
	return out
}

// entry 必须在持有分片写锁时调用。
func (sh *shard) entry(symbol string) *symbolEntry {
	e, ok := sh.entries[symbol]
	if !ok {
		e = &symbolEntry{}
		sh.entries[symbol] = e
	}
	return e
}

func sumTopLevels(levels []Level, n int) float64 {
	total := 0.0
	for i, lv := range levels {
		if i >= n {
			break
		}
		total += lv.Size
	}
	return total
}
