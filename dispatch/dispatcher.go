// Package dispatch 出站消息的批量与节流层。
// 每个通道一个常驻工作循环：从有界队列里拉取消息、做显著性
// 过滤、按时间间隔或批量上限刷出整批，压低对订阅端的消息频率。
package dispatch

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"signal-relay-go/infrastructure/logger"

	"go.uber.org/zap"
)

// idleSleep 工作循环空转时的短暂休眠，避免忙等。
const idleSleep = 10 * time.Millisecond

// joinTimeout 停机时等待工作循环退出的上限。
const joinTimeout = 2 * time.Second

// Message 进入批量层的单条出站消息。
type Message struct {
	Symbol  string  // 路由用
	Value   float64 // 显著性判断用（价格或失衡率）
	Payload any     // 实际下发内容，序列化进批次
}

// Transport 批次落地端（WebSocket hub 等）。
type Transport interface {
	// SendBatch 将一个通道的整批消息投递给订阅了相关 symbol 的连接
	SendBatch(channel string, payload []byte, symbols []string) error
	// Broadcast 向全部连接广播单条事件
	Broadcast(event string, payload []byte) error
}

// Recorder 计量回调，由 metrics 包实现。
type Recorder interface {
	MessageEnqueued(channel string)
	MessageDropped(channel, reason string)
	BatchFlushed(channel string, size int)
	MessagesSent(channel string, n int)
}

// nopRecorder 允许不接计量运行。
type nopRecorder struct{}

func (nopRecorder) MessageEnqueued(string)        {}
func (nopRecorder) MessageDropped(string, string) {}
func (nopRecorder) BatchFlushed(string, int)      {}
func (nopRecorder) MessagesSent(string, int)      {}

type channelWorker struct {
	name  string
	cfg   atomic.Pointer[ChannelConfig]
	queue chan Message
}

// Dispatcher 管理全部通道工作循环。
type Dispatcher struct {
	workers map[string]*channelWorker
	filter  *significanceFilter
	trans   Transport
	rec     Recorder
	log     *logger.Logger

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New 创建 Dispatcher；configs 缺失的通道用默认值补齐。
func New(trans Transport, rec Recorder, log *logger.Logger, configs map[string]ChannelConfig) (*Dispatcher, error) {
	if rec == nil {
		rec = nopRecorder{}
	}
	if log == nil {
		log = logger.Nop()
	}

	defaults := DefaultConfigs()
	d := &Dispatcher{
		workers: make(map[string]*channelWorker),
		filter:  newSignificanceFilter(),
		trans:   trans,
		rec:     rec,
		log:     log,
		done:    make(chan struct{}),
	}
	for _, name := range Channels() {
		cfg, ok := configs[name]
		if !ok {
			cfg = defaults[name]
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if cfg.QueueSize <= 0 {
			cfg.QueueSize = defaults[name].QueueSize
		}
		w := &channelWorker{
			name:  name,
			queue: make(chan Message, cfg.QueueSize),
		}
		w.cfg.Store(&cfg)
		d.workers[name] = w
	}
	return d, nil
}

// Start 启动全部通道工作循环。
func (d *Dispatcher) Start() {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	for _, w := range d.workers {
		d.wg.Add(1)
		go d.runWorker(w)
	}
	d.log.Info("dispatcher started", zap.Int("channels", len(d.workers)))
}

// Stop 协作式停机：通知循环退出，做最后一次刷出，限时等待。
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.done)

	joined := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(joinTimeout):
		d.log.Warn("dispatcher workers did not stop within timeout")
	}
}

// Enqueue 将消息放入通道队列。队列满时淘汰最旧一条并计数，
// 绝不阻塞调用方（ingestion 路径）。
func (d *Dispatcher) Enqueue(channel string, msg Message) {
	w, ok := d.workers[channel]
	if !ok {
		return
	}
	for {
		select {
		case w.queue <- msg:
			d.rec.MessageEnqueued(channel)
			return
		default:
			// drop-oldest：弹出队首为新消息腾位
			select {
			case <-w.queue:
				d.rec.MessageDropped(channel, "queue_full")
			default:
			}
		}
	}
}

// BroadcastSignal 高优先级信号，绕过批量层立即广播，从不抑制。
func (d *Dispatcher) BroadcastSignal(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	d.rec.MessagesSent(ChannelSignal, 1)
	return d.trans.Broadcast("signal_alert", raw)
}

// UpdateConfig 运行期更新单通道配置（copy-on-write），工作循环
// 下一轮迭代即可见。
func (d *Dispatcher) UpdateConfig(channel string, values map[string]float64) error {
	w, ok := d.workers[channel]
	if !ok {
		return errUnknownChannel(channel)
	}
	next, err := w.cfg.Load().merge(values)
	if err != nil {
		return err
	}
	w.cfg.Store(&next)
	d.log.Info("batch config updated",
		zap.String("channel", channel),
		zap.Duration("interval", next.Interval),
		zap.Int("max_batch_size", next.MaxBatchSize))
	return nil
}

// Config 当前通道配置。
func (d *Dispatcher) Config(channel string) (ChannelConfig, bool) {
	w, ok := d.workers[channel]
	if !ok {
		return ChannelConfig{}, false
	}
	return *w.cfg.Load(), true
}

// runWorker 单通道累积/刷出循环。
//
// 刷出条件二选一：距上次按时刷出已满 Interval 且批非空；或批
// 达到 MaxBatchSize。按量刷出不重置间隔时钟，保证稳定的最大
// 下发节奏不被突发放大。
func (d *Dispatcher) runWorker(w *channelWorker) {
	defer d.wg.Done()

	var batch []Message
	lastFlush := time.Now()

	for {
		select {
		case <-d.done:
			// 停机前把批里剩余的消息刷出去
			if len(batch) > 0 {
				d.flush(w.name, batch)
			}
			return
		default:
		}

		cfg := *w.cfg.Load()

		// 拉取直到批满或队列空
	drain:
		for len(batch) < cfg.MaxBatchSize {
			select {
			case msg := <-w.queue:
				if d.filter.admit(w.name, cfg, msg) {
					batch = append(batch, msg)
				} else {
					d.rec.MessageDropped(w.name, "insignificant")
				}
			default:
				break drain
			}
		}

		now := time.Now()
		switch {
		case len(batch) >= cfg.MaxBatchSize:
			d.flush(w.name, batch)
			batch = nil
		case len(batch) > 0 && now.Sub(lastFlush) >= cfg.Interval:
			d.flush(w.name, batch)
			batch = nil
			lastFlush = now
		}

		time.Sleep(idleSleep)
	}
}

// flush 将整批序列化为一条消息投递，批内保持到达顺序。
func (d *Dispatcher) flush(channel string, batch []Message) {
	payloads := make([]any, 0, len(batch))
	symbols := make([]string, 0, len(batch))
	seen := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		payloads = append(payloads, m.Payload)
		if _, ok := seen[m.Symbol]; !ok && m.Symbol != "" {
			seen[m.Symbol] = struct{}{}
			symbols = append(symbols, m.Symbol)
		}
	}

	raw, err := json.Marshal(payloads)
	if err != nil {
		d.log.LogError(err, map[string]interface{}{"channel": channel})
		return
	}
	if err := d.trans.SendBatch(channel, raw, symbols); err != nil {
		d.log.LogError(err, map[string]interface{}{"channel": channel})
		return
	}
	d.rec.BatchFlushed(channel, len(batch))
	d.rec.MessagesSent(channel, len(batch))
}

type errUnknownChannel string

func (e errUnknownChannel) Error() string { return "unknown channel: " + string(e) }
