package dispatch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"signal-relay-go/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 记录全部投递与时间点。
type fakeTransport struct {
	mu         sync.Mutex
	batches    []sentBatch
	broadcasts []sentBroadcast
}

type sentBatch struct {
	channel string
	payload []byte
	symbols []string
	at      time.Time
}

type sentBroadcast struct {
	event   string
	payload []byte
}

func (f *fakeTransport) SendBatch(channel string, payload []byte, symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, sentBatch{channel, payload, symbols, time.Now()})
	return nil
}

func (f *fakeTransport) Broadcast(event string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, sentBroadcast{event, payload})
	return nil
}

func (f *fakeTransport) batchesFor(channel string) []sentBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentBatch
	for _, b := range f.batches {
		if b.channel == channel {
			out = append(out, b)
		}
	}
	return out
}

// countingRecorder 统计丢弃原因。
type countingRecorder struct {
	mu      sync.Mutex
	dropped map[string]int
	flushed []int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{dropped: make(map[string]int)}
}

func (r *countingRecorder) MessageEnqueued(string) {}
func (r *countingRecorder) MessageDropped(channel, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[reason]++
}
func (r *countingRecorder) BatchFlushed(channel string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = append(r.flushed, size)
}
func (r *countingRecorder) MessagesSent(string, int) {}

func newTestDispatcher(t *testing.T, trans Transport, rec Recorder, configs map[string]ChannelConfig) *Dispatcher {
	t.Helper()
	d, err := New(trans, rec, logger.Nop(), configs)
	require.NoError(t, err)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

// TestDispatcher_SizeForcedThenIntervalFlush 60 条快速到达、上限 50 →
// 先按量刷出 50，剩余 10 条在间隔到点时刷出。
func TestDispatcher_SizeForcedThenIntervalFlush(t *testing.T) {
	trans := &fakeTransport{}
	cfg := map[string]ChannelConfig{
		ChannelPrice: {
			Interval:         400 * time.Millisecond,
			MinChangePercent: 0, // 本测试不关心显著性
			MaxBatchSize:     50,
			QueueSize:        1000,
		},
	}
	d := newTestDispatcher(t, trans, nil, cfg)

	start := time.Now()
	for i := 0; i < 60; i++ {
		d.Enqueue(ChannelPrice, Message{Symbol: "BTC-USDT", Value: 100 + float64(i)*10, Payload: i})
	}

	require.Eventually(t, func() bool {
		return len(trans.batchesFor(ChannelPrice)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	batches := trans.batchesFor(ChannelPrice)
	require.Len(t, batches, 2)

	var first, second []int
	require.NoError(t, json.Unmarshal(batches[0].payload, &first))
	require.NoError(t, json.Unmarshal(batches[1].payload, &second))

	assert.Len(t, first, 50, "size-forced batch")
	assert.Len(t, second, 10, "remainder at interval mark")

	// 按量刷出发生在间隔到点之前
	assert.Less(t, batches[0].at.Sub(start), 400*time.Millisecond)
	// 剩余部分等到间隔时钟到点（按量刷出不重置间隔）
	assert.GreaterOrEqual(t, batches[1].at.Sub(start), 350*time.Millisecond)
}

// TestDispatcher_IntervalSpacing 连续两次按时刷出之间不短于 Interval。
func TestDispatcher_IntervalSpacing(t *testing.T) {
	trans := &fakeTransport{}
	cfg := map[string]ChannelConfig{
		ChannelPrice: {
			Interval:     150 * time.Millisecond,
			MaxBatchSize: 1000,
			QueueSize:    1000,
		},
	}
	d := newTestDispatcher(t, trans, nil, cfg)

	stop := make(chan struct{})
	go func() {
		v := 100.0
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				v *= 1.01
				d.Enqueue(ChannelPrice, Message{Symbol: "ETH-USDT", Value: v, Payload: v})
			}
		}
	}()

	require.Eventually(t, func() bool {
		return len(trans.batchesFor(ChannelPrice)) >= 3
	}, 3*time.Second, 10*time.Millisecond)
	close(stop)

	batches := trans.batchesFor(ChannelPrice)
	for i := 1; i < len(batches); i++ {
		gap := batches[i].at.Sub(batches[i-1].at)
		// 留出调度抖动余量
		assert.GreaterOrEqual(t, gap, 130*time.Millisecond,
			"batches %d and %d too close: %v", i-1, i, gap)
	}
}

// TestDispatcher_SignificanceFilter 相对上次放行值变动不足的更新被抑制，
// 与中间到达多少条无关。
func TestDispatcher_SignificanceFilter(t *testing.T) {
	trans := &fakeTransport{}
	rec := newCountingRecorder()
	cfg := map[string]ChannelConfig{
		ChannelPrice: {
			Interval:         100 * time.Millisecond,
			MinChangePercent: 0.5,
			MaxBatchSize:     100,
			QueueSize:        100,
		},
	}
	d := newTestDispatcher(t, trans, rec, cfg)

	d.Enqueue(ChannelPrice, Message{Symbol: "BTC-USDT", Value: 100, Payload: 100.0})   // 首个值放行
	d.Enqueue(ChannelPrice, Message{Symbol: "BTC-USDT", Value: 100.1, Payload: 100.1}) // 0.1% 抑制
	d.Enqueue(ChannelPrice, Message{Symbol: "BTC-USDT", Value: 100.2, Payload: 100.2}) // 距 100 仍 0.2% 抑制
	d.Enqueue(ChannelPrice, Message{Symbol: "BTC-USDT", Value: 100.6, Payload: 100.6}) // 0.6% 放行

	require.Eventually(t, func() bool {
		return len(trans.batchesFor(ChannelPrice)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	var got []float64
	require.NoError(t, json.Unmarshal(trans.batchesFor(ChannelPrice)[0].payload, &got))
	assert.Equal(t, []float64{100, 100.6}, got)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.dropped["insignificant"])
}

func TestDispatcher_OrderbookSignificance(t *testing.T) {
	trans := &fakeTransport{}
	cfg := map[string]ChannelConfig{
		ChannelOrderbook: {
			Interval:           100 * time.Millisecond,
			MinImbalanceChange: 0.05,
			MaxBatchSize:       100,
			QueueSize:          100,
		},
	}
	d := newTestDispatcher(t, trans, nil, cfg)

	d.Enqueue(ChannelOrderbook, Message{Symbol: "BTC-USDT", Value: 0.5, Payload: 0.5})   // 首个值
	d.Enqueue(ChannelOrderbook, Message{Symbol: "BTC-USDT", Value: 0.52, Payload: 0.52}) // Δ0.02 抑制
	d.Enqueue(ChannelOrderbook, Message{Symbol: "BTC-USDT", Value: 0.56, Payload: 0.56}) // Δ0.06 放行

	require.Eventually(t, func() bool {
		return len(trans.batchesFor(ChannelOrderbook)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	var got []float64
	require.NoError(t, json.Unmarshal(trans.batchesFor(ChannelOrderbook)[0].payload, &got))
	assert.Equal(t, []float64{0.5, 0.56}, got)
}

// TestDispatcher_SignalsNeverSuppressed signal 通道没有显著性过滤。
func TestDispatcher_SignalsNeverSuppressed(t *testing.T) {
	trans := &fakeTransport{}
	cfg := map[string]ChannelConfig{
		ChannelSignal: {
			Interval:     50 * time.Millisecond,
			MaxBatchSize: 100,
			QueueSize:    100,
		},
	}
	d := newTestDispatcher(t, trans, nil, cfg)

	for i := 0; i < 5; i++ {
		d.Enqueue(ChannelSignal, Message{Symbol: "BTC-USDT", Value: 1, Payload: i})
	}

	require.Eventually(t, func() bool {
		return len(trans.batchesFor(ChannelSignal)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	var got []int
	require.NoError(t, json.Unmarshal(trans.batchesFor(ChannelSignal)[0].payload, &got))
	// 全部放行且保持到达顺序
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestDispatcher_BroadcastSignalImmediate(t *testing.T) {
	trans := &fakeTransport{}
	d, err := New(trans, nil, logger.Nop(), nil)
	require.NoError(t, err)
	// 未 Start 也能广播：该路径不经过批量层

	require.NoError(t, d.BroadcastSignal(map[string]any{"symbol": "BTC-USDT", "action": "BUY"}))

	trans.mu.Lock()
	defer trans.mu.Unlock()
	require.Len(t, trans.broadcasts, 1)
	assert.Equal(t, "signal_alert", trans.broadcasts[0].event)
}

func TestDispatcher_QueueFullDropsOldest(t *testing.T) {
	trans := &fakeTransport{}
	rec := newCountingRecorder()
	d, err := New(trans, rec, logger.Nop(), map[string]ChannelConfig{
		ChannelPrice: {
			Interval:     time.Hour, // 不让 worker 消费干扰
			MaxBatchSize: 1000,
			QueueSize:    4,
		},
	})
	require.NoError(t, err)
	// 故意不 Start：队列无消费者

	for i := 0; i < 10; i++ {
		d.Enqueue(ChannelPrice, Message{Symbol: "BTC-USDT", Value: float64(i), Payload: i})
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 6, rec.dropped["queue_full"], "oldest entries evicted")
}

func TestDispatcher_UpdateConfig(t *testing.T) {
	d, err := New(&fakeTransport{}, nil, logger.Nop(), nil)
	require.NoError(t, err)

	require.NoError(t, d.UpdateConfig(ChannelPrice, map[string]float64{
		"interval_seconds": 3,
		"max_batch_size":   25,
	}))
	cfg, ok := d.Config(ChannelPrice)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, cfg.Interval)
	assert.Equal(t, 25, cfg.MaxBatchSize)

	assert.Error(t, d.UpdateConfig(ChannelPrice, map[string]float64{"nope": 1}))
	assert.Error(t, d.UpdateConfig("bogus", map[string]float64{"max_batch_size": 1}))
	assert.Error(t, d.UpdateConfig(ChannelPrice, map[string]float64{"max_batch_size": 0}))
}
