package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"signal-relay-go/dispatch"
	"signal-relay-go/infrastructure/logger"
	"signal-relay-go/trigger"

	"go.uber.org/zap"
)

// EngineLister 已注册引擎清单。
type EngineLister interface {
	SignalEngines() []string
	AnalysisEngines() []string
}

// Admin 管理面 HTTP 处理器，由外层门面挂载。
// 所有变更接口立即生效，不需要重启。
type Admin struct {
	thresholds *trigger.ThresholdStore
	dispatcher *dispatch.Dispatcher
	evaluator  *trigger.Evaluator
	stats      func() any
	engines    EngineLister
	hub        *Hub
	log        *logger.Logger
}

// NewAdmin 组装管理面。stats/engines/hub 可为 nil，对应接口返回空值。
func NewAdmin(
	ts *trigger.ThresholdStore,
	d *dispatch.Dispatcher,
	ev *trigger.Evaluator,
	stats func() any,
	engines EngineLister,
	hub *Hub,
	log *logger.Logger,
) *Admin {
	if log == nil {
		log = logger.Nop()
	}
	return &Admin{
		thresholds: ts,
		dispatcher: d,
		evaluator:  ev,
		stats:      stats,
		engines:    engines,
		hub:        hub,
		log:        log,
	}
}

// Routes 注册管理路由。
func (a *Admin) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/thresholds", a.handleThresholds)
	mux.HandleFunc("/admin/batch/", a.handleBatchConfig)
	mux.HandleFunc("/admin/metrics", a.handleMetrics)
	mux.HandleFunc("/admin/trigger", a.handleManualTrigger)
}

// Handler 独立的管理面 handler。
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Routes(mux)
	return mux
}

// handleThresholds POST：运行时更新触发阈值。
func (a *Admin) handleThresholds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.thresholds.Load())
	case http.MethodPost:
		var body map[string]float64
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := a.thresholds.Update(body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.log.Info("trigger thresholds updated", zap.Any("fields", body))
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "updated",
			"thresholds": a.thresholds.Load(),
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleBatchConfig POST /admin/batch/{channel}：运行时调整通道批次参数。
func (a *Admin) handleBatchConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	channel := strings.TrimPrefix(r.URL.Path, "/admin/batch/")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel missing in path")
		return
	}
	var body map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := a.dispatcher.UpdateConfig(channel, body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.log.Info("batch config updated",
		zap.String("channel", channel), zap.Any("fields", body))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "updated",
		"channel": channel,
	})
}

// handleMetrics GET：运行时统计快照与引擎清单。
func (a *Admin) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	out := map[string]any{}
	if a.stats != nil {
		out["pipeline"] = a.stats()
	}
	if a.engines != nil {
		out["signal_engines"] = a.engines.SignalEngines()
		out["analysis_engines"] = a.engines.AnalysisEngines()
	}
	if a.hub != nil {
		out["active_connections"] = a.hub.ActiveConnections()
	}
	writeJSON(w, http.StatusOK, out)
}

// handleManualTrigger POST：人工注入触发事件（运营排查用）。
func (a *Admin) handleManualTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Symbol  string         `json:"symbol"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if body.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	evt := a.evaluator.Manual(body.Symbol, body.Payload)
	a.log.Info("manual trigger injected", zap.String("symbol", body.Symbol))
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "published",
		"event":  evt,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
