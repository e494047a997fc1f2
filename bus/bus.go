// Package bus 提供进程内按主题分发的发布订阅总线。
// 发布方与处理器运行在独立的调度单元上：每个订阅者持有自己的
// 缓冲通道和消费 goroutine，慢处理器不会阻塞发布方。
package bus

import (
	"sync"

	"signal-relay-go/infrastructure/logger"
)

// DefaultBufferSize 每个订阅者的通道缓冲。
const DefaultBufferSize = 256

// Handler 订阅回调。payload 视为不可变，处理器不得修改。
type Handler func(payload any)

// Options 总线可选配置。
type Options struct {
	BufferSize int
	// OnDrop 订阅者队列满导致丢弃时回调（计量用）
	OnDrop func(topic, subscriber string)
	// OnHandlerError 处理器 panic 被捕获后回调（计量用）
	OnHandlerError func(topic, subscriber string)
}

type subscriber struct {
	name string
	ch   chan any
	done chan struct{}
}

// Bus 主题订阅表。Publish 对发布方 fire-and-forget。
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber
	log    *logger.Logger
	opts   Options
	wg     sync.WaitGroup
	closed bool
}

// New 创建总线。
func New(log *logger.Logger, opts Options) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Bus{
		topics: make(map[string][]*subscriber),
		log:    log,
		opts:   opts,
	}
}

// Subscribe 注册处理器。name 用于日志与计量定位。
// 每个订阅者独立消费，互不影响；总线关闭后注册被忽略。
func (b *Bus) Subscribe(topic, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscriber{
		name: name,
		ch:   make(chan any, b.opts.BufferSize),
		done: make(chan struct{}),
	}
	b.topics[topic] = append(b.topics[topic], sub)

	b.wg.Add(1)
	go b.consume(topic, sub, h)
}

// consume 串行消费单个订阅者的队列，panic 被捕获后继续下一条。
func (b *Bus) consume(topic string, sub *subscriber, h Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case payload, ok := <-sub.ch:
			if !ok {
				return
			}
			b.invoke(topic, sub.name, h, payload)
		}
	}
}

// invoke 单次调用处理器；异常只记录，不向发布方传播。
func (b *Bus) invoke(topic, name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.LogHandlerError(topic, name, r)
			if b.opts.OnHandlerError != nil {
				b.opts.OnHandlerError(topic, name)
			}
		}
	}()
	h(payload)
}

// Publish 向主题的全部订阅者投递。不阻塞：订阅者队列满时
// 丢弃该订阅者的本条消息并计数，其余订阅者不受影响。
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.topics[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		default:
			if b.opts.OnDrop != nil {
				b.opts.OnDrop(topic, sub.name)
			}
			b.log.Warn("bus message dropped: subscriber queue full")
		}
	}
}

// SubscriberCount 主题当前订阅者数量。
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close 停止全部消费 goroutine 并等待退出。
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			close(sub.done)
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
}
