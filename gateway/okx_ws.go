package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"signal-relay-go/infrastructure/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// OKXPublicEndpoint 公共行情地址，无需鉴权。
const OKXPublicEndpoint = "wss://ws.okx.com:8443/ws/v5/public"

const (
	reconnectDelay = 5 * time.Second
	readTimeout    = 30 * time.Second
	pingInterval   = 20 * time.Second
)

// FeedHandler 上游原始帧的消费方。
type FeedHandler interface {
	OnRawMessage(raw []byte)
}

// OKXClient 上游行情接入客户端：连接、订阅、断线重连。
// 每个客户端对应一条逻辑流，读循环独立运行，不阻塞其他组件。
type OKXClient struct {
	Endpoint string
	Dialer   *websocket.Dialer

	handler FeedHandler
	log     *logger.Logger

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOKXClient 创建客户端并登记初始 symbol 集。
func NewOKXClient(endpoint string, handler FeedHandler, log *logger.Logger, symbols []string) *OKXClient {
	if endpoint == "" {
		endpoint = OKXPublicEndpoint
	}
	if log == nil {
		log = logger.Nop()
	}
	c := &OKXClient{
		Endpoint: endpoint,
		Dialer:   websocket.DefaultDialer,
		handler:  handler,
		log:      log,
		symbols:  make(map[string]struct{}),
	}
	for _, sym := range symbols {
		c.symbols[sym] = struct{}{}
	}
	return c
}

// Start 启动连接/重连循环。
func (c *OKXClient) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop 断开连接并等待读循环退出。
func (c *OKXClient) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
	if c.done != nil {
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}

// Health 连接存活检查。
func (c *OKXClient) Health() error {
	return nil
}

// AddSymbols 运行期补订新 symbol（由连接注册表懒启动驱动）。
func (c *OKXClient) AddSymbols(symbols []string) {
	c.mu.Lock()
	fresh := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := c.symbols[sym]; !ok {
			c.symbols[sym] = struct{}{}
			fresh = append(fresh, sym)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if len(fresh) == 0 || conn == nil {
		return
	}
	if err := c.writeSubscribe(conn, fresh); err != nil {
		c.log.Warn("subscribe new symbols failed", zap.Error(err))
	}
}

func (c *OKXClient) run(ctx context.Context) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			c.log.Warn("feed disconnected, reconnecting",
				zap.String("endpoint", c.Endpoint), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *OKXClient) connectAndRead(ctx context.Context) error {
	conn, _, err := c.Dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	current := make([]string, 0, len(c.symbols))
	for sym := range c.symbols {
		current = append(current, sym)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if len(current) > 0 {
		if err := c.writeSubscribe(conn, current); err != nil {
			return err
		}
	}
	c.log.Info("feed connected",
		zap.String("endpoint", c.Endpoint), zap.Int("symbols", len(current)))

	// 上游要求空闲期内保活
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pinger.C:
				c.mu.Lock()
				cur := c.conn
				c.mu.Unlock()
				if cur != conn {
					return
				}
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if string(raw) == "pong" {
			continue
		}
		if c.handler != nil {
			c.handler.OnRawMessage(raw)
		}
	}
}

// writeSubscribe 发送 tickers/books5/liquidation-orders 三频道订阅。
func (c *OKXClient) writeSubscribe(conn *websocket.Conn, symbols []string) error {
	type arg struct {
		Channel  string `json:"channel"`
		InstID   string `json:"instId,omitempty"`
		InstType string `json:"instType,omitempty"`
	}
	args := make([]arg, 0, len(symbols)*2+1)
	for _, sym := range symbols {
		args = append(args,
			arg{Channel: ChannelTickers, InstID: sym},
			arg{Channel: ChannelBooks, InstID: sym},
		)
	}
	args = append(args, arg{Channel: ChannelLiquidations, InstType: "SWAP"})

	req := map[string]any{"op": "subscribe", "args": args}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}
