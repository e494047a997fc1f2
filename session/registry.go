// Package session 跟踪订阅端连接与其关注的 symbol 集合，
// 供批量层决定批次投递到哪些连接。
package session

import (
	"sync"
)

// Registry 连接注册表。广播消息投递给全部连接；
// 通道批次只投递给订阅了相关 symbol 的连接。
type Registry struct {
	mu sync.RWMutex
	// conn -> symbol 集合
	subs map[string]map[string]struct{}
	// 进程级已见过的 symbol，用于懒启动上游行情订阅
	seen map[string]struct{}
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]map[string]struct{}),
		seen: make(map[string]struct{}),
	}
}

// OnConnect 登记新连接，订阅集为空。
func (r *Registry) OnConnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[connID]; !ok {
		r.subs[connID] = make(map[string]struct{})
	}
}

// Subscribe 为连接增加订阅，返回进程级首次出现的 symbol 列表，
// 调用方据此懒启动上游行情接入。未知连接自动登记。
func (r *Registry) Subscribe(connID string, symbols []string) (newSymbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.subs[connID]
	if !ok {
		set = make(map[string]struct{})
		r.subs[connID] = set
	}
	for _, sym := range symbols {
		set[sym] = struct{}{}
		if _, known := r.seen[sym]; !known {
			r.seen[sym] = struct{}{}
			newSymbols = append(newSymbols, sym)
		}
	}
	return newSymbols
}

// Unsubscribe 移除连接的部分订阅。
func (r *Registry) Unsubscribe(connID string, symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[connID]
	if !ok {
		return
	}
	for _, sym := range symbols {
		delete(set, sym)
	}
}

// OnDisconnect 清除该连接的全部状态。
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, connID)
}

// Subscriptions 连接当前订阅的 symbol 列表（副本）。
func (r *Registry) Subscriptions(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.subs[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for sym := range set {
		out = append(out, sym)
	}
	return out
}

// ConnectionsFor 订阅了给定 symbol 任意之一的连接列表。
func (r *Registry) ConnectionsFor(symbols []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for connID, set := range r.subs {
		for _, sym := range symbols {
			if _, ok := set[sym]; ok {
				out = append(out, connID)
				break
			}
		}
	}
	return out
}

// AllConnections 全部活跃连接（广播目标）。
func (r *Registry) AllConnections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for connID := range r.subs {
		out = append(out, connID)
	}
	return out
}

// ActiveCount 活跃连接数。
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
