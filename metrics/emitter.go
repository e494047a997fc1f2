package metrics

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"signal-relay-go/infrastructure/logger"

	"go.uber.org/zap"
)

// DefaultEmitInterval 运行指标向订阅端广播的默认周期。
const DefaultEmitInterval = 10 * time.Second

// Broadcaster 指标广播出口（订阅端 hub 实现）。
type Broadcaster interface {
	Broadcast(event string, payload []byte) error
}

// Emitter 周期性把流水线指标快照推给全部订阅连接，
// 事件名固定为 metrics_update。
type Emitter struct {
	mon      *Monitor
	bc       Broadcaster
	interval time.Duration
	log      *logger.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEmitter 创建指标广播器。interval <= 0 时使用默认周期。
func NewEmitter(mon *Monitor, bc Broadcaster, interval time.Duration, log *logger.Logger) *Emitter {
	if interval <= 0 {
		interval = DefaultEmitInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Emitter{mon: mon, bc: bc, interval: interval, log: log}
}

// Start 启动广播循环。
func (e *Emitter) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)
	return nil
}

// Stop 停止广播循环。
func (e *Emitter) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return nil
}

func (e *Emitter) run(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emit()
		}
	}
}

func (e *Emitter) emit() {
	snap := e.mon.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		e.log.Warn("metrics snapshot marshal failed", zap.Error(err))
		return
	}
	if err := e.bc.Broadcast("metrics_update", payload); err != nil {
		e.log.Warn("metrics broadcast failed", zap.Error(err))
	}
}
