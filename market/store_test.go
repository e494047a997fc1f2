package market

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func TestStore_TickerPrevPriceChain(t *testing.T) {
	st := NewStore(4)
	now := time.Now()

	prices := []float64{100, 101.5, 99.8, 102.3, 102.3}
	for i, p := range prices {
		res := st.UpdateTicker("BTC-USDT", p, 1000, 1.2, now)
		if i == 0 {
			if res.PrevPrice != 0 {
				t.Fatalf("first update prev=%f, want 0", res.PrevPrice)
			}
			continue
		}
		// 第 N 次更新的 prev 必须等于第 N-1 次的 price
		if res.PrevPrice != prices[i-1] {
			t.Errorf("update %d: prev=%f, want %f", i, res.PrevPrice, prices[i-1])
		}
	}

	snap, ok := st.GetSnapshot("BTC-USDT")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.State.PrevPrice != prices[len(prices)-2] {
		t.Errorf("stored prev=%f, want %f", snap.State.PrevPrice, prices[len(prices)-2])
	}
}

func TestStore_TickerChangePercent(t *testing.T) {
	st := NewStore(0)
	now := time.Now()

	st.UpdateTicker("ETH-USDT", 100, 500, 0, now)
	res := st.UpdateTicker("ETH-USDT", 100.6, 500, 0, now)

	if math.Abs(res.ChangePercent-0.6) > 1e-9 {
		t.Errorf("change percent = %f, want 0.6", res.ChangePercent)
	}
}

func TestStore_PriceHistoryFIFO(t *testing.T) {
	st := NewStore(1)
	now := time.Now()

	total := PriceHistoryCap + 25
	for i := 0; i < total; i++ {
		st.UpdateTicker("SOL-USDT", float64(i), 100, 0, now)
	}

	snap, _ := st.GetSnapshot("SOL-USDT")
	if len(snap.PriceHistory) != PriceHistoryCap {
		t.Fatalf("history len=%d, want %d", len(snap.PriceHistory), PriceHistoryCap)
	}
	// 最旧的 25 条被淘汰，队首应为第 25 次更新的价格
	if snap.PriceHistory[0] != 25 {
		t.Errorf("oldest=%f, want 25", snap.PriceHistory[0])
	}
	if snap.PriceHistory[len(snap.PriceHistory)-1] != float64(total-1) {
		t.Errorf("newest=%f, want %d", snap.PriceHistory[len(snap.PriceHistory)-1], total-1)
	}
}

func TestStore_RollingAvgVolume(t *testing.T) {
	st := NewStore(0)
	now := time.Now()

	// 首次更新：平均值等于本次 volume
	res := st.UpdateTicker("BTC-USDT", 100, 1000, 0, now)
	if res.AvgVolume != 1000 {
		t.Fatalf("first avg=%f, want 1000", res.AvgVolume)
	}

	// 第二次：平均值只含之前的窗口，不被当前尖峰稀释
	res = st.UpdateTicker("BTC-USDT", 100, 5000, 0, now)
	if res.AvgVolume != 1000 {
		t.Errorf("avg=%f, want 1000 (window before current)", res.AvgVolume)
	}

	res = st.UpdateTicker("BTC-USDT", 100, 100, 0, now)
	if res.AvgVolume != 3000 {
		t.Errorf("avg=%f, want 3000", res.AvgVolume)
	}
}

func TestStore_OrderbookSnapshot(t *testing.T) {
	st := NewStore(0)
	now := time.Now()

	bids := []Level{{Price: 100.0, Size: 6}, {Price: 99.5, Size: 4}}
	asks := []Level{{Price: 100.5, Size: 2}, {Price: 101.0, Size: 8}}
	snap := st.UpdateOrderbook("BTC-USDT", bids, asks, now)

	if snap.BestBid != 100.0 || snap.BestAsk != 100.5 {
		t.Errorf("best bid/ask = %f/%f", snap.BestBid, snap.BestAsk)
	}
	if math.Abs(snap.Spread-0.5) > 1e-9 {
		t.Errorf("spread=%f, want 0.5", snap.Spread)
	}
	if snap.BidVolume != 10 || snap.AskVolume != 10 {
		t.Errorf("volumes = %f/%f, want 10/10", snap.BidVolume, snap.AskVolume)
	}
	if snap.ImbalanceRatio != 0.5 {
		t.Errorf("ratio=%f, want 0.5", snap.ImbalanceRatio)
	}

	// 空簿：失衡率回到 0.5
	snap = st.UpdateOrderbook("BTC-USDT", nil, nil, now)
	if snap.ImbalanceRatio != 0.5 {
		t.Errorf("empty book ratio=%f, want 0.5", snap.ImbalanceRatio)
	}
}

func TestStore_LiquidationCap(t *testing.T) {
	st := NewStore(0)
	now := time.Now()

	for i := 0; i < LiquidationCap+10; i++ {
		st.RecordLiquidation("BTC-USDT", SideLong, float64(i)*1000, 50000, now)
	}

	snap, _ := st.GetSnapshot("BTC-USDT")
	if len(snap.Liquidations) != LiquidationCap {
		t.Fatalf("liquidations len=%d, want %d", len(snap.Liquidations), LiquidationCap)
	}
	if snap.Liquidations[0].AmountUSD != 10000 {
		t.Errorf("oldest amount=%f, want 10000", snap.Liquidations[0].AmountUSD)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	st := NewStore(0)
	now := time.Now()
	st.UpdateTicker("BTC-USDT", 100, 1000, 0, now)

	snap, _ := st.GetSnapshot("BTC-USDT")
	snap.PriceHistory[0] = -1

	snap2, _ := st.GetSnapshot("BTC-USDT")
	if snap2.PriceHistory[0] != 100 {
		t.Error("snapshot mutation leaked into store")
	}
}

// TestStore_ConcurrentUpdates 并发读写同一/不同 symbol 的安全性（配合 -race）
func TestStore_ConcurrentUpdates(t *testing.T) {
	st := NewStore(DefaultShardCount)

	var wg sync.WaitGroup
	operations := 200

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			symbol := fmt.Sprintf("SYM%d-USDT", workerID%2)
			for j := 0; j < operations; j++ {
				st.UpdateTicker(symbol, float64(j), float64(j*10), 0, time.Now())
				st.UpdateOrderbook(symbol,
					[]Level{{Price: float64(j), Size: 1}},
					[]Level{{Price: float64(j) + 1, Size: 1}}, time.Now())
				st.RecordLiquidation(symbol, SideShort, float64(j), float64(j), time.Now())
			}
		}(i)
	}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_, _ = st.GetSnapshot("SYM0-USDT")
				_, _ = st.GetSnapshot("SYM1-USDT")
				_ = st.ActiveSymbols()
			}
		}()
	}

	wg.Wait()

	snap, ok := st.GetSnapshot("SYM0-USDT")
	if !ok {
		t.Fatal("snapshot missing after concurrent updates")
	}
	if len(snap.Liquidations) > LiquidationCap {
		t.Errorf("liquidation cap exceeded: %d", len(snap.Liquidations))
	}
	if len(snap.PriceHistory) > PriceHistoryCap {
		t.Errorf("history cap exceeded: %d", len(snap.PriceHistory))
	}
}
