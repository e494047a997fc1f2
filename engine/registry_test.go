package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal-relay-go/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSignalEngine struct {
	signal Signal
	err    error
	delay  time.Duration
}

func (s *stubSignalEngine) Evaluate(ctx context.Context, req Request) (Signal, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return Signal{}, s.err
	}
	out := s.signal
	out.Symbol = req.Symbol
	return out, nil
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *recordingBroadcaster) BroadcastSignal(payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, payload.(Signal))
	return nil
}

type recordingErrPublisher struct {
	mu     sync.Mutex
	events []ErrorEvent
}

func (r *recordingErrPublisher) Publish(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := payload.(ErrorEvent); ok && topic == TopicSignalError {
		r.events = append(r.events, ev)
	}
}

type recordingEventPublisher struct {
	mu      sync.Mutex
	errs    []ErrorEvent
	results []ResultEvent
}

func (r *recordingEventPublisher) Publish(topic string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev := payload.(type) {
	case ErrorEvent:
		if topic == TopicSignalError {
			r.errs = append(r.errs, ev)
		}
	case ResultEvent:
		if topic == TopicSignalResult {
			r.results = append(r.results, ev)
		}
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry(nil, nil, nil, Options{})
	r.RegisterSignal("holly", &stubSignalEngine{})
	r.RegisterSignal("breakout", &stubSignalEngine{})
	r.RegisterAnalysis("smc", nil)

	assert.Equal(t, []string{"breakout", "holly"}, r.SignalEngines())
	assert.Equal(t, []string{"smc"}, r.AnalysisEngines())
}

func TestRegistry_BroadcastsHighConfidenceSignal(t *testing.T) {
	bc := &recordingBroadcaster{}
	r := NewRegistry(bc, nil, nil, Options{Workers: 1})
	r.RegisterSignal("holly", &stubSignalEngine{
		signal: Signal{Action: "BUY", Confidence: 85, EntryPrice: 50000},
	})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{Symbol: "BTC-USDT"}))

	require.Eventually(t, func() bool {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		return len(bc.signals) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	sig := bc.signals[0]
	assert.Equal(t, "BTC-USDT", sig.Symbol)
	assert.Equal(t, "holly", sig.Source)
	assert.False(t, sig.GeneratedAt.IsZero())
}

func TestRegistry_LowConfidenceNotBroadcast(t *testing.T) {
	bc := &recordingBroadcaster{}
	r := NewRegistry(bc, nil, nil, Options{Workers: 1})
	r.RegisterSignal("weak", &stubSignalEngine{
		signal: Signal{Action: "HOLD", Confidence: 40},
	})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{Symbol: "BTC-USDT"}))
	time.Sleep(100 * time.Millisecond)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Empty(t, bc.signals)
}

func TestRegistry_TimeoutPublishesError(t *testing.T) {
	pub := &recordingErrPublisher{}
	r := NewRegistry(nil, pub, nil, Options{Workers: 1})
	r.RegisterSignal("slow", &stubSignalEngine{
		signal: Signal{Confidence: 90},
		delay:  time.Second,
	})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{
		Symbol:  "ETH-USDT",
		ConnID:  "c1",
		Timeout: 30 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "ETH-USDT", pub.events[0].Symbol)
	assert.Equal(t, "c1", pub.events[0].ConnID)
	assert.Contains(t, pub.events[0].Error, "timed out")
}

func TestRegistry_EngineErrorPublished(t *testing.T) {
	pub := &recordingErrPublisher{}
	r := NewRegistry(nil, pub, nil, Options{Workers: 1})
	r.RegisterSignal("broken", &stubSignalEngine{err: errors.New("model unavailable")})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{Symbol: "BTC-USDT"}))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.events) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_BestOfMultipleEngines(t *testing.T) {
	bc := &recordingBroadcaster{}
	r := NewRegistry(bc, nil, nil, Options{Workers: 1})
	r.RegisterSignal("a", &stubSignalEngine{signal: Signal{Action: "BUY", Confidence: 75}})
	r.RegisterSignal("b", &stubSignalEngine{signal: Signal{Action: "SELL", Confidence: 92}})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{Symbol: "BTC-USDT", Snapshot: market.Snapshot{}}))

	require.Eventually(t, func() bool {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		return len(bc.signals) == 1
	}, 2*time.Second, 10*time.Millisecond)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Equal(t, "b", bc.signals[0].Source)
	assert.Equal(t, float64(92), bc.signals[0].Confidence)
}

// 快引擎已给出低置信度结果、慢引擎把请求拖到超时：
// 发起方必须拿到部分结果，而不是既无结果也无超时通知。
func TestRegistry_PartialResultDeliveredOnTimeout(t *testing.T) {
	bc := &recordingBroadcaster{}
	pub := &recordingEventPublisher{}
	r := NewRegistry(bc, pub, nil, Options{Workers: 1})
	r.RegisterSignal("fast", &stubSignalEngine{
		signal: Signal{Action: "HOLD", Confidence: 50},
	})
	r.RegisterSignal("slow", &stubSignalEngine{
		signal: Signal{Confidence: 95},
		delay:  time.Second,
	})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{
		Symbol:  "BTC-USDT",
		ConnID:  "c1",
		Timeout: 50 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "c1", pub.results[0].ConnID)
	assert.Equal(t, "fast", pub.results[0].Signal.Source)
	assert.Equal(t, float64(50), pub.results[0].Signal.Confidence)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Empty(t, bc.signals, "低置信度结果不应广播")
}

// 内部触发（无发起连接）下同样的超时：低置信度结果无处可去，
// 仍要发布超时错误事件，不能静默吞掉。
func TestRegistry_InternalTimeoutStillPublishesError(t *testing.T) {
	bc := &recordingBroadcaster{}
	pub := &recordingEventPublisher{}
	r := NewRegistry(bc, pub, nil, Options{Workers: 1})
	r.RegisterSignal("fast", &stubSignalEngine{
		signal: Signal{Action: "HOLD", Confidence: 50},
	})
	r.RegisterSignal("slow", &stubSignalEngine{
		signal: Signal{Confidence: 95},
		delay:  time.Second,
	})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{
		Symbol:  "ETH-USDT",
		Timeout: 50 * time.Millisecond,
	}))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.errs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "ETH-USDT", pub.errs[0].Symbol)
	assert.Contains(t, pub.errs[0].Error, "timed out")
	assert.Empty(t, pub.results)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Empty(t, bc.signals)
}

// 显式请求的结果总是回推发起连接；置信度门槛只挡广播。
func TestRegistry_RequestedResultBypassesBroadcastFloor(t *testing.T) {
	bc := &recordingBroadcaster{}
	pub := &recordingEventPublisher{}
	r := NewRegistry(bc, pub, nil, Options{Workers: 1})
	r.RegisterSignal("weak", &stubSignalEngine{
		signal: Signal{Action: "HOLD", Confidence: 40},
	})
	r.Start()
	defer r.Stop()

	require.NoError(t, r.Submit(Request{Symbol: "BTC-USDT", ConnID: "c7"}))

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.results) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, "c7", pub.results[0].ConnID)
	assert.Equal(t, "BTC-USDT", pub.results[0].Signal.Symbol)

	bc.mu.Lock()
	defer bc.mu.Unlock()
	assert.Empty(t, bc.signals)
}

func TestRegistry_QueueFullRejects(t *testing.T) {
	r := NewRegistry(nil, nil, nil, Options{QueueSize: 1, Workers: 1})
	// 未启动：队列只有 1 个槽位

	require.NoError(t, r.Submit(Request{Symbol: "BTC-USDT"}))
	err := r.Submit(Request{Symbol: "BTC-USDT"})
	assert.ErrorIs(t, err, ErrQueueFull)
}
