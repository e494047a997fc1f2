package container

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"signal-relay-go/bus"
	"signal-relay-go/config"
	"signal-relay-go/dispatch"
	"signal-relay-go/engine"
	"signal-relay-go/gateway"
	"signal-relay-go/infrastructure/alert"
	"signal-relay-go/infrastructure/logger"
	"signal-relay-go/market"
	"signal-relay-go/metrics"
	"signal-relay-go/session"
	"signal-relay-go/trigger"

	"go.uber.org/zap"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *metrics.Monitor
	alerter *alert.Manager

	// 核心管道
	store      *market.Store
	bus        *bus.Bus
	thresholds *trigger.ThresholdStore
	evaluator  *trigger.Evaluator
	dispatcher *dispatch.Dispatcher
	engines    *engine.Registry

	// 接入与出口
	registry *session.Registry
	hub      *gateway.Hub
	ingest   *gateway.Handler
	feed     *gateway.OKXClient
	emitter  *metrics.Emitter
	watcher  *config.Watcher

	// HTTP服务器
	wsServer      *http.Server
	adminServer   *http.Server
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	warnings := config.Normalize(&cfg)

	c := &Container{
		cfg:        &cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
	if err := c.build(warnings); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Container) build(configWarnings []string) error {
	if err := c.buildInfrastructure(configWarnings); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildPipeline(); err != nil {
		return fmt.Errorf("build pipeline failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	c.wireBus()
	c.registerLifecycleComponents()

	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure(configWarnings []string) error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	for _, w := range configWarnings {
		c.logger.Warn(w)
	}

	c.monitor = metrics.New(metrics.DefaultConfig())

	// 同类告警一分钟只发一次，避免断线风暴刷日志
	c.alerter = alert.NewManager(
		[]alert.Channel{alert.NewLogChannel("log", c.logger)},
		time.Minute,
	)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildPipeline() error {
	c.store = market.NewStore(market.DefaultShardCount)

	c.bus = bus.New(c.logger, bus.Options{
		BufferSize:     c.cfg.Bus.BufferSize,
		OnDrop:         c.monitor.BusDropped,
		OnHandlerError: c.monitor.HandlerError,
	})

	var err error
	c.thresholds, err = trigger.NewThresholdStore(trigger.Thresholds{
		PriceChangePercent:      c.cfg.Thresholds.PriceChangePercent,
		VolumeSpikeMultiplier:   c.cfg.Thresholds.VolumeSpikeMultiplier,
		OrderbookImbalanceRatio: c.cfg.Thresholds.OrderbookImbalanceRatio,
		LiquidationUSD:          c.cfg.Thresholds.LiquidationUSD,
	})
	if err != nil {
		return fmt.Errorf("create threshold store failed: %w", err)
	}
	c.evaluator = trigger.NewEvaluator(c.thresholds, c.bus)

	c.registry = session.NewRegistry()
	c.hub = gateway.NewHub(c.registry, c.monitor, c.logger)

	c.dispatcher, err = dispatch.New(c.hub, c.monitor, c.logger, c.dispatchConfigs())
	if err != nil {
		return fmt.Errorf("create dispatcher failed: %w", err)
	}

	c.engines = engine.NewRegistry(c.dispatcher, c.bus, c.monitor, engine.Options{
		QueueSize: c.cfg.Engine.QueueSize,
		Workers:   c.cfg.Engine.Workers,
	})
	c.engines.RegisterSignal("momentum", engine.NewMomentumEngine())
	c.engines.RegisterAnalysis("imbalance_pressure", engine.NewImbalancePressureEngine())

	c.emitter = metrics.NewEmitter(c.monitor, c.hub, c.cfg.Metrics.EmitInterval(), c.logger)

	c.logger.Info("pipeline built")
	return nil
}

// dispatchConfigs 默认批量参数叠加配置覆盖。
func (c *Container) dispatchConfigs() map[string]dispatch.ChannelConfig {
	configs := dispatch.DefaultConfigs()
	for name, ch := range c.cfg.Channels {
		base, ok := configs[name]
		if !ok {
			c.logger.Warn("unknown dispatch channel in config", zap.String("channel", name))
			continue
		}
		if ch.IntervalSeconds > 0 {
			base.Interval = time.Duration(ch.IntervalSeconds * float64(time.Second))
		}
		if ch.MinChangePercent > 0 {
			base.MinChangePercent = ch.MinChangePercent
		}
		if ch.MinImbalanceChange > 0 {
			base.MinImbalanceChange = ch.MinImbalanceChange
		}
		if ch.MaxBatchSize > 0 {
			base.MaxBatchSize = ch.MaxBatchSize
		}
		if ch.QueueSize > 0 {
			base.QueueSize = ch.QueueSize
		}
		configs[name] = base
	}
	return configs
}

func (c *Container) buildGateway() error {
	c.ingest = gateway.NewHandler(c.store, c.evaluator, c.dispatcher, c.monitor, c.logger)
	c.feed = gateway.NewOKXClient(c.cfg.Exchange.Endpoint, c.ingest, c.logger, c.cfg.Exchange.Symbols)

	// 订阅端出现新 symbol 时懒启动上游订阅
	c.hub.OnNewSymbols = c.feed.AddSymbols

	// 订阅端请求信号：带快照投递到引擎工作池
	c.hub.OnSignalRequest = func(connID, symbol string) error {
		snap, ok := c.store.GetSnapshot(symbol)
		if !ok {
			return fmt.Errorf("no market state for %s", symbol)
		}
		return c.engines.Submit(engine.Request{
			Symbol:   symbol,
			ConnID:   connID,
			Snapshot: snap,
			Timeout:  c.cfg.Engine.Timeout(),
		})
	}

	var err error
	c.watcher, err = config.NewWatcher(c.configPath, config.DefaultWatchConfig(),
		c.applyReloadedConfig,
		func(err error) {
			c.logger.LogError(err, map[string]interface{}{"component": "config_watcher"})
			c.alerter.Error("config reload failed", map[string]interface{}{"error": err.Error()})
		})
	if err != nil {
		return fmt.Errorf("create config watcher failed: %w", err)
	}

	c.logger.Info("gateway built")
	return nil
}

// applyReloadedConfig 把热更新的阈值和批量参数推入运行中的组件。
// 监听地址等只在启动时生效的字段忽略。
func (c *Container) applyReloadedConfig(cfg config.AppConfig) {
	if err := c.thresholds.Update(map[string]float64{
		"price_change_percent":      cfg.Thresholds.PriceChangePercent,
		"volume_spike_multiplier":   cfg.Thresholds.VolumeSpikeMultiplier,
		"orderbook_imbalance_ratio": cfg.Thresholds.OrderbookImbalanceRatio,
		"liquidation_threshold":     cfg.Thresholds.LiquidationUSD,
	}); err != nil {
		c.logger.LogError(err, map[string]interface{}{"component": "config_watcher", "action": "update_thresholds"})
	}

	for name, ch := range cfg.Channels {
		values := map[string]float64{}
		if ch.IntervalSeconds > 0 {
			values["interval_seconds"] = ch.IntervalSeconds
		}
		if ch.MinChangePercent > 0 {
			values["min_change_percent"] = ch.MinChangePercent
		}
		if ch.MinImbalanceChange > 0 {
			values["min_imbalance_change"] = ch.MinImbalanceChange
		}
		if ch.MaxBatchSize > 0 {
			values["max_batch_size"] = float64(ch.MaxBatchSize)
		}
		if len(values) == 0 {
			continue
		}
		if err := c.dispatcher.UpdateConfig(name, values); err != nil {
			c.logger.LogError(err, map[string]interface{}{"component": "config_watcher", "channel": name})
		}
	}

	c.logger.Info("runtime config reloaded")
}

// wireBus 把触发事件接到下发通道、引擎池和错误回传。
func (c *Container) wireBus() {
	// 触发事件 → signal 通道批量下发（signal 通道无显著性过滤）
	c.bus.Subscribe(trigger.TopicSignalTrigger, "signal_dispatch", func(payload any) {
		ev, ok := payload.(trigger.Event)
		if !ok {
			return
		}
		c.dispatcher.Enqueue(dispatch.ChannelSignal, dispatch.Message{
			Symbol:  ev.Symbol,
			Payload: ev,
		})
	})

	// 触发事件 → 引擎池（内部触发的信号生成，队列满即丢弃）
	c.bus.Subscribe(trigger.TopicSignalTrigger, "engine_feed", func(payload any) {
		ev, ok := payload.(trigger.Event)
		if !ok {
			return
		}
		snap, ok := c.store.GetSnapshot(ev.Symbol)
		if !ok {
			return
		}
		_ = c.engines.Submit(engine.Request{
			Symbol:   ev.Symbol,
			Snapshot: snap,
			Timeout:  c.cfg.Engine.Timeout(),
		})
	})

	// 显式请求结果 → 定向回推发起连接（不受广播置信度门槛约束）
	c.bus.Subscribe(engine.TopicSignalResult, "ws_result_relay", func(payload any) {
		ev, ok := payload.(engine.ResultEvent)
		if !ok || ev.ConnID == "" {
			return
		}
		raw, err := json.Marshal(ev.Signal)
		if err != nil {
			return
		}
		_ = c.hub.SendToConn(ev.ConnID, "signal_result", raw)
	})

	// 引擎失败事件 → 回传发起连接 + 运维告警
	c.bus.Subscribe(engine.TopicSignalError, "ws_error_relay", func(payload any) {
		ev, ok := payload.(engine.ErrorEvent)
		if !ok {
			return
		}
		c.alerter.Warning("signal generation failed", map[string]interface{}{
			"symbol": ev.Symbol,
			"error":  ev.Error,
		})
		if ev.ConnID == "" {
			return
		}
		raw := []byte(fmt.Sprintf(`{"symbol":%q,"error":%q}`, ev.Symbol, ev.Error))
		_ = c.hub.SendToConn(ev.ConnID, "signal_error", raw)
	})
}

func (c *Container) registerLifecycleComponents() {
	// 下发与引擎先起，上游数据最后接入；停止时逆序
	c.lifecycle.Register(&funcComponent{
		name:  "dispatcher",
		start: func(context.Context) error { c.dispatcher.Start(); return nil },
		stop:  func() error { c.dispatcher.Stop(); return nil },
	})
	c.lifecycle.Register(&funcComponent{
		name:  "engine_registry",
		start: func(context.Context) error { c.engines.Start(); return nil },
		stop:  func() error { c.engines.Stop(); return nil },
	})
	c.lifecycle.Register(&funcComponent{
		name:  "metrics_emitter",
		start: c.emitter.Start,
		stop:  c.emitter.Stop,
	})
	c.lifecycle.Register(&funcComponent{
		name:  "config_watcher",
		start: c.watcher.Start,
		stop:  c.watcher.Stop,
	})

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", c.hub)
	c.lifecycle.Register(&httpServerComponent{
		name:    "ws_server",
		handler: wsMux,
		addr:    c.cfg.Server.WSAddr,
		logger:  c.logger,
		server:  &c.wsServer,
	})

	if c.cfg.Server.AdminAddr != "" {
		admin := gateway.NewAdmin(c.thresholds, c.dispatcher, c.evaluator,
			func() any { return c.monitor.Snapshot() }, c.engines, c.hub, c.logger)
		adminMux := http.NewServeMux()
		admin.Routes(adminMux)
		adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if err := c.lifecycle.CheckHealth(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		c.lifecycle.Register(&httpServerComponent{
			name:    "admin_server",
			handler: adminMux,
			addr:    c.cfg.Server.AdminAddr,
			logger:  c.logger,
			server:  &c.adminServer,
		})
	}

	if c.cfg.Server.MetricsAddr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Server.MetricsAddr,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}

	// 上游行情最后接入，保证入站数据有完整的处理链
	c.lifecycle.Register(c.feed)
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	if err := c.lifecycle.StopAll(); err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	// 总线最后关：让在途事件被消费完
	c.bus.Close()

	if c.logger != nil {
		c.logger.Close()
	}
	return nil
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Logger 暴露给入口做启动期日志。
func (c *Container) Logger() *logger.Logger {
	return c.logger
}
