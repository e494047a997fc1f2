package trigger

import (
	"math"
	"sync"
	"testing"
	"time"

	"signal-relay-go/market"
)

// recordingPublisher 记录全部发布，供断言主题与负载。
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	events []Event
}

func (r *recordingPublisher) Publish(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	if ev, ok := payload.(Event); ok {
		r.events = append(r.events, ev)
	}
}

func newTestEvaluator(t *testing.T) (*Evaluator, *recordingPublisher) {
	t.Helper()
	st, err := NewThresholdStore(DefaultThresholds())
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	return NewEvaluator(st, pub), pub
}

func TestEvaluator_PriceTrigger(t *testing.T) {
	tests := []struct {
		name      string
		prev      float64
		price     float64
		wantFired bool
	}{
		{
			name:      "0.05% change below 0.5% threshold",
			prev:      100,
			price:     100.05,
			wantFired: false,
		},
		{
			name:      "0.6% change above threshold",
			prev:      100,
			price:     100.6,
			wantFired: true,
		},
		{
			name:      "exactly at threshold fires (inclusive)",
			prev:      100,
			price:     100.5,
			wantFired: true,
		},
		{
			name:      "downward move counts via absolute value",
			prev:      100,
			price:     99.4,
			wantFired: true,
		},
		{
			name:      "first update (prev zero) never fires",
			prev:      0,
			price:     100,
			wantFired: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, _ := newTestEvaluator(t)
			fired := ev.OnTicker("BTC-USDT", tt.price, market.TickerResult{PrevPrice: tt.prev})

			var breakout *Event
			for i := range fired {
				if fired[i].Kind == KindPriceBreakout {
					breakout = &fired[i]
				}
			}
			if (breakout != nil) != tt.wantFired {
				t.Fatalf("fired=%v, want %v", breakout != nil, tt.wantFired)
			}
			if breakout != nil {
				p := breakout.Payload.(PricePayload)
				if p.PrevPrice != tt.prev || p.Price != tt.price {
					t.Errorf("payload %+v", p)
				}
			}
		})
	}
}

func TestEvaluator_PriceTriggerChangePercent(t *testing.T) {
	ev, _ := newTestEvaluator(t)
	fired := ev.OnTicker("BTC-USDT", 100.6, market.TickerResult{PrevPrice: 100})
	if len(fired) != 1 {
		t.Fatalf("fired %d events, want 1", len(fired))
	}
	p := fired[0].Payload.(PricePayload)
	if math.Abs(p.ChangePercent-0.6) > 1e-9 {
		t.Errorf("change_percent=%f, want 0.6", p.ChangePercent)
	}
}

func TestEvaluator_VolumeSpike(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	// 2000 > 900*2 → 触发
	fired := ev.OnTicker("ETH-USDT", 100, market.TickerResult{
		PrevPrice: 100, Volume: 2000, AvgVolume: 900,
	})
	if len(fired) != 1 || fired[0].Kind != KindVolumeSpike {
		t.Fatalf("events=%+v, want single volume_spike", fired)
	}
	p := fired[0].Payload.(VolumePayload)
	if math.Abs(p.SpikeRatio-2000.0/900.0) > 1e-9 {
		t.Errorf("spike_ratio=%f", p.SpikeRatio)
	}

	// 恰好 2 倍不触发（严格大于）
	fired = ev.OnTicker("ETH-USDT", 100, market.TickerResult{
		PrevPrice: 100, Volume: 1800, AvgVolume: 900,
	})
	if len(fired) != 0 {
		t.Fatalf("exact multiple should not fire, got %+v", fired)
	}
}

func TestEvaluator_OrderbookImbalance(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	// 阈值 0.7 → 偏移量 0.2；ratio 0.75 触发
	fired := ev.OnOrderbook(market.OrderbookSnapshot{
		Symbol: "BTC-USDT", ImbalanceRatio: 0.75, BidVolume: 75, AskVolume: 25,
	})
	if len(fired) != 1 || fired[0].Kind != KindOrderbookImbalance {
		t.Fatalf("events=%+v", fired)
	}

	// 卖侧失衡同样触发：ratio 0.2 → |0.2-0.5|=0.3 > 0.2
	fired = ev.OnOrderbook(market.OrderbookSnapshot{Symbol: "BTC-USDT", ImbalanceRatio: 0.2})
	if len(fired) != 1 {
		t.Fatal("ask-side imbalance should fire")
	}

	// ratio 0.65 不触发
	fired = ev.OnOrderbook(market.OrderbookSnapshot{Symbol: "BTC-USDT", ImbalanceRatio: 0.65})
	if len(fired) != 0 {
		t.Fatalf("0.65 should not fire, got %+v", fired)
	}
}

func TestEvaluator_Liquidation(t *testing.T) {
	ev, _ := newTestEvaluator(t)

	fired := ev.OnLiquidation(market.LiquidationEvent{
		Symbol: "BTC-USDT", Side: market.SideLong, AmountUSD: 2_000_000, Price: 50000,
	})
	if len(fired) != 1 || fired[0].Kind != KindLiquidation {
		t.Fatalf("$2M should fire, got %+v", fired)
	}
	p := fired[0].Payload.(LiquidationPayload)
	if p.AmountUSD != 2_000_000 || p.Side != market.SideLong {
		t.Errorf("payload %+v", p)
	}

	fired = ev.OnLiquidation(market.LiquidationEvent{
		Symbol: "BTC-USDT", Side: market.SideShort, AmountUSD: 500_000, Price: 50000,
	})
	if len(fired) != 0 {
		t.Fatalf("$500k should not fire, got %+v", fired)
	}
}

func TestEvaluator_TopicFanout(t *testing.T) {
	ev, pub := newTestEvaluator(t)
	ev.OnTicker("BTC-USDT", 101, market.TickerResult{PrevPrice: 100})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.topics) != 2 {
		t.Fatalf("published to %d topics, want 2: %v", len(pub.topics), pub.topics)
	}
	if pub.topics[0] != TopicSignalTrigger || pub.topics[1] != TopicPriceUpdate {
		t.Errorf("topics=%v", pub.topics)
	}
}

func TestEvaluator_Manual(t *testing.T) {
	ev, pub := newTestEvaluator(t)
	payload := map[string]string{"reason": "operator request"}
	got := ev.Manual("BTC-USDT", payload)

	if got.Kind != KindManual || got.Symbol != "BTC-USDT" {
		t.Errorf("event=%+v", got)
	}
	if got.Timestamp.IsZero() || time.Since(got.Timestamp) > time.Minute {
		t.Errorf("timestamp not set: %v", got.Timestamp)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	// 人工事件只上 signal_trigger，不带子主题
	if len(pub.topics) != 1 || pub.topics[0] != TopicSignalTrigger {
		t.Errorf("topics=%v", pub.topics)
	}
}

func TestEvaluator_RuntimeThresholdChange(t *testing.T) {
	st, _ := NewThresholdStore(DefaultThresholds())
	pub := &recordingPublisher{}
	ev := NewEvaluator(st, pub)

	// 0.3% 低于默认 0.5%，不触发
	if fired := ev.OnTicker("BTC-USDT", 100.3, market.TickerResult{PrevPrice: 100}); len(fired) != 0 {
		t.Fatal("should not fire at default threshold")
	}

	if err := st.Update(map[string]float64{"price_change_percent": 0.25}); err != nil {
		t.Fatal(err)
	}

	// 同样的变动在新阈值下触发
	if fired := ev.OnTicker("BTC-USDT", 100.3, market.TickerResult{PrevPrice: 100}); len(fired) != 1 {
		t.Fatal("should fire after threshold lowered")
	}
}
