package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"signal-relay-go/infrastructure/logger"
	"signal-relay-go/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// sendQueueSize 每个订阅连接的出站缓冲；写不动的连接丢消息而非拖慢全局。
const sendQueueSize = 64

// writeTimeout 单次向订阅端写入的时限。
const writeTimeout = 5 * time.Second

// ConnMetrics 连接层计量回调。
type ConnMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	MessageDropped(channel, reason string)
}

type nopConnMetrics struct{}

func (nopConnMetrics) ConnectionOpened()             {}
func (nopConnMetrics) ConnectionClosed()             {}
func (nopConnMetrics) MessageDropped(string, string) {}

// clientOp 订阅端控制消息。
type clientOp struct {
	Op      string   `json:"op"` // subscribe / unsubscribe / request_signal
	Symbols []string `json:"symbols,omitempty"`
	Symbol  string   `json:"symbol,omitempty"`
}

// outEnvelope 下发给订阅端的统一包装。
type outEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ts    string          `json:"ts"`
}

// Hub 订阅端 WebSocket 服务。实现 dispatch.Transport：
// 通道批次按 symbol 订阅路由，广播事件发给全部连接。
type Hub struct {
	upgrader websocket.Upgrader
	registry *session.Registry
	mon      ConnMetrics
	log      *logger.Logger

	// OnNewSymbols 出现进程级新 symbol 时回调（懒启动上游订阅）
	OnNewSymbols func(symbols []string)
	// OnSignalRequest 订阅端请求信号生成时回调
	OnSignalRequest func(connID, symbol string) error

	mu     sync.RWMutex
	conns  map[string]*hubConn
	nextID atomic.Int64
}

type hubConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewHub 创建订阅端服务。
func NewHub(registry *session.Registry, mon ConnMetrics, log *logger.Logger) *Hub {
	if mon == nil {
		mon = nopConnMetrics{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 鉴权在外层门面处理
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registry: registry,
		mon:      mon,
		log:      log,
		conns:    make(map[string]*hubConn),
	}
}

// ServeHTTP 升级连接并进入读循环。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := "conn-" + strconv.FormatInt(h.nextID.Add(1), 10)
	conn := &hubConn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()
	h.registry.OnConnect(id)
	h.mon.ConnectionOpened()
	h.log.Info("client connected", zap.String("conn", id))

	// 连接确认帧
	h.sendTo(conn, "connected", mustJSON(map[string]any{
		"conn_id": id,
		"status":  "connected",
	}))

	go h.writeLoop(conn)
	h.readLoop(conn)
}

func (h *Hub) readLoop(conn *hubConn) {
	defer h.drop(conn)
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var op clientOp
		if err := json.Unmarshal(raw, &op); err != nil {
			h.log.Warn("client op malformed", zap.String("conn", conn.id), zap.Error(err))
			continue
		}
		h.handleOp(conn, op)
	}
}

func (h *Hub) handleOp(conn *hubConn, op clientOp) {
	switch op.Op {
	case "subscribe":
		newSyms := h.registry.Subscribe(conn.id, op.Symbols)
		if len(newSyms) > 0 && h.OnNewSymbols != nil {
			h.OnNewSymbols(newSyms)
		}
		h.sendTo(conn, "subscribed", mustJSON(map[string]any{
			"symbols": op.Symbols,
			"status":  "success",
		}))
	case "unsubscribe":
		h.registry.Unsubscribe(conn.id, op.Symbols)
		h.sendTo(conn, "unsubscribed", mustJSON(map[string]any{
			"symbols": op.Symbols,
			"status":  "success",
		}))
	case "request_signal":
		status := "processing"
		if h.OnSignalRequest != nil {
			if err := h.OnSignalRequest(conn.id, op.Symbol); err != nil {
				status = "rejected"
			}
		}
		h.sendTo(conn, "signal_queued", mustJSON(map[string]any{
			"symbol": op.Symbol,
			"status": status,
		}))
	default:
		h.log.Warn("unknown client op", zap.String("op", op.Op))
	}
}

func (h *Hub) writeLoop(conn *hubConn) {
	for {
		select {
		case <-conn.done:
			return
		case payload := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(conn)
				return
			}
		}
	}
}

// drop 关闭连接并清理注册表。幂等。send 队列不关闭，
// 避免和并发投递方竞争；残留消息随连接一起被回收。
func (h *Hub) drop(conn *hubConn) {
	conn.once.Do(func() {
		h.mu.Lock()
		delete(h.conns, conn.id)
		h.mu.Unlock()
		h.registry.OnDisconnect(conn.id)
		h.mon.ConnectionClosed()
		close(conn.done)
		_ = conn.ws.Close()
		h.log.Info("client disconnected", zap.String("conn", conn.id))
	})
}

// SendBatch 实现 dispatch.Transport：按 symbol 订阅路由整批消息。
func (h *Hub) SendBatch(channel string, payload []byte, symbols []string) error {
	env := envelopeBytes(batchEvent(channel), payload)
	targets := h.registry.ConnectionsFor(symbols)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range targets {
		if conn, ok := h.conns[id]; ok {
			h.trySend(conn, channel, env)
		}
	}
	return nil
}

// Broadcast 实现 dispatch.Transport：发给全部连接，不看订阅。
func (h *Hub) Broadcast(event string, payload []byte) error {
	env := envelopeBytes(event, payload)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.conns {
		h.trySend(conn, event, env)
	}
	return nil
}

// SendToConn 定向投递（信号生成结果回发发起方）。
func (h *Hub) SendToConn(connID, event string, payload []byte) error {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	h.trySend(conn, event, envelopeBytes(event, payload))
	return nil
}

// trySend 非阻塞投递；连接写不动时丢弃并计数。
func (h *Hub) trySend(conn *hubConn, channel string, payload []byte) {
	select {
	case conn.send <- payload:
	default:
		h.mon.MessageDropped(channel, "conn_backpressure")
	}
}

func (h *Hub) sendTo(conn *hubConn, event string, data json.RawMessage) {
	h.trySend(conn, event, envelopeBytes(event, data))
}

// ActiveConnections 当前连接数。
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// batchEvent 通道名到订阅端事件名的映射。
func batchEvent(channel string) string {
	switch channel {
	case "price_update":
		return "price_batch"
	case "orderbook":
		return "orderbook_batch"
	case "signal":
		return "signal_batch"
	default:
		return channel
	}
}

func envelopeBytes(event string, data json.RawMessage) []byte {
	out, err := json.Marshal(outEnvelope{
		Event: event,
		Data:  data,
		Ts:    time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
