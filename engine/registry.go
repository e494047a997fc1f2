// Package engine 信号/分析引擎的显式注册表与请求工作池。
// 引擎在启动时静态注册（name → 实例），不做目录扫描；
// 重计算请求带处理超时，经有界队列进入固定工作池。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"signal-relay-go/market"
)

// ErrQueueFull 请求队列已满（背压拒绝）。
var ErrQueueFull = errors.New("signal request queue full")

// ErrTimeout 信号生成超出处理时限。
var ErrTimeout = errors.New("signal generation timed out")

// DefaultTimeout 未指定时的请求处理时限。
const DefaultTimeout = 5 * time.Second

// MinBroadcastConfidence 信号广播的置信度下限。
const MinBroadcastConfidence = 70

// Request 一次信号生成请求。
type Request struct {
	Symbol   string
	ConnID   string // 发起连接；为空表示内部触发
	Snapshot market.Snapshot
	Timeout  time.Duration // <=0 时用 DefaultTimeout
}

// Signal 引擎产出。
type Signal struct {
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"` // BUY / SELL / HOLD
	Confidence  float64   `json:"confidence"`
	EntryPrice  float64   `json:"entry_price"`
	Source      string    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SignalEngine 信号生成引擎。实现方必须尊重 ctx 超时。
type SignalEngine interface {
	Evaluate(ctx context.Context, req Request) (Signal, error)
}

// AnalysisEngine 分析引擎，消费触发事件更新自身状态，无直接产出。
type AnalysisEngine interface {
	Analyze(ctx context.Context, symbol string, snap market.Snapshot) error
}

// Broadcaster 信号出口（由 dispatch 实现）。
type Broadcaster interface {
	BroadcastSignal(payload any) error
}

// Publisher 错误事件出口（由 bus 实现）。
type Publisher interface {
	Publish(topic string, payload any)
}

// ErrorEvent 请求失败时发布到 signal_error 主题的负载。
type ErrorEvent struct {
	Symbol string `json:"symbol"`
	ConnID string `json:"conn_id,omitempty"`
	Error  string `json:"error"`
}

// TopicSignalError 请求失败事件主题。
const TopicSignalError = "signal_error"

// ResultEvent 显式请求完成时发布到 signal_result 主题的负载，
// 定向回推发起连接，不走置信度广播门槛。
type ResultEvent struct {
	ConnID string `json:"conn_id"`
	Signal Signal `json:"signal"`
}

// TopicSignalResult 显式请求结果事件主题。
const TopicSignalResult = "signal_result"

// Observer 耗时观测（metrics.Monitor 实现）。
type Observer interface {
	ObserveProcessing(seconds float64)
}

// Registry 引擎注册表与请求工作池。
type Registry struct {
	mu       sync.RWMutex
	signals  map[string]SignalEngine
	analysis map[string]AnalysisEngine

	requests chan Request
	bc       Broadcaster
	pub      Publisher
	obs      Observer

	workers int
	wg      sync.WaitGroup
	done    chan struct{}
	started bool
}

// Options 注册表配置。
type Options struct {
	QueueSize int
	Workers   int
}

// NewRegistry 创建注册表。
func NewRegistry(bc Broadcaster, pub Publisher, obs Observer, opts Options) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	return &Registry{
		signals:  make(map[string]SignalEngine),
		analysis: make(map[string]AnalysisEngine),
		requests: make(chan Request, opts.QueueSize),
		bc:       bc,
		pub:      pub,
		obs:      obs,
		workers:  opts.Workers,
		done:     make(chan struct{}),
	}
}

// RegisterSignal 注册信号引擎。
func (r *Registry) RegisterSignal(name string, e SignalEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[name] = e
}

// RegisterAnalysis 注册分析引擎。
func (r *Registry) RegisterAnalysis(name string, e AnalysisEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analysis[name] = e
}

// SignalEngines 已注册信号引擎名（有序）。
func (r *Registry) SignalEngines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.signals))
	for name := range r.signals {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AnalysisEngines 已注册分析引擎名（有序）。
func (r *Registry) AnalysisEngines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.analysis))
	for name := range r.analysis {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Submit 将请求放入队列；满时立即拒绝，不阻塞调用方。
func (r *Registry) Submit(req Request) error {
	select {
	case r.requests <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start 启动工作池。
func (r *Registry) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
}

// Stop 协作式停机。
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}

func (r *Registry) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case req := <-r.requests:
			r.process(req)
		}
	}
}

// process 在请求时限内跑完全部引擎；超时或失败发布错误事件，
// 决不让发起方无限等待。
func (r *Registry) process(req Request) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r.obs != nil {
			r.obs.ObserveProcessing(time.Since(start).Seconds())
		}
	}()

	r.mu.RLock()
	signalNames := make([]string, 0, len(r.signals))
	signals := make(map[string]SignalEngine, len(r.signals))
	for name, e := range r.signals {
		signalNames = append(signalNames, name)
		signals[name] = e
	}
	analysis := make(map[string]AnalysisEngine, len(r.analysis))
	for name, e := range r.analysis {
		analysis[name] = e
	}
	r.mu.RUnlock()
	// 固定引擎求值顺序，超时截断的结果不随 map 遍历顺序漂移
	sort.Strings(signalNames)

	// 分析引擎先行：失败不阻断信号生成
	for name, e := range analysis {
		if err := e.Analyze(ctx, req.Symbol, req.Snapshot); err != nil {
			r.publishError(req, fmt.Errorf("analysis %s: %w", name, err))
		}
	}

	var best Signal
	var lastErr error
	for _, name := range signalNames {
		if ctx.Err() != nil {
			lastErr = ErrTimeout
			break
		}
		sig, err := signals[name].Evaluate(ctx, req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				lastErr = ErrTimeout
				break
			}
			lastErr = fmt.Errorf("engine %s: %w", name, err)
			continue
		}
		if sig.Confidence > best.Confidence {
			best = sig
			best.Source = name
		}
	}

	if best.Confidence == 0 && lastErr != nil {
		r.publishError(req, lastErr)
		return
	}
	if best.Symbol == "" {
		best.Symbol = req.Symbol
	}
	if best.GeneratedAt.IsZero() {
		best.GeneratedAt = time.Now().UTC()
	}

	// 显式请求的结果总是定向回推，置信度门槛只约束广播
	delivered := false
	if req.ConnID != "" && r.pub != nil {
		r.pub.Publish(TopicSignalResult, ResultEvent{ConnID: req.ConnID, Signal: best})
		delivered = true
	}
	if best.Confidence > MinBroadcastConfidence && r.bc != nil {
		_ = r.bc.BroadcastSignal(best)
		delivered = true
	}
	// 超时截断且无任何出口：仍需让等待方知道
	if !delivered && errors.Is(lastErr, ErrTimeout) {
		r.publishError(req, lastErr)
	}
}

func (r *Registry) publishError(req Request, err error) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(TopicSignalError, ErrorEvent{
		Symbol: req.Symbol,
		ConnID: req.ConnID,
		Error:  err.Error(),
	})
}
