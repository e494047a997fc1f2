package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"signal-relay-go/market"
)

// 上游公共频道名（OKX v5 public channel）。
const (
	ChannelTickers      = "tickers"
	ChannelBooks        = "books5"
	ChannelLiquidations = "liquidation-orders"
)

// envelope 对应上游推送的外层包装。
type envelope struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Event string          `json:"event"` // subscribe/error 确认帧
	Data  json.RawMessage `json:"data"`
}

// TickerMsg 解析后的 ticker。
type TickerMsg struct {
	Symbol    string
	LastPrice float64
	Open24h   float64
	High24h   float64
	Low24h    float64
	Vol24h    float64
	Change24h float64 // 相对 open_24h 的百分比
	Ts        time.Time
}

// OrderbookMsg 解析后的订单簿。
type OrderbookMsg struct {
	Symbol string
	Bids   []market.Level
	Asks   []market.Level
}

// LiquidationMsg 解析后的强平。AmountUSD = Size * Price。
type LiquidationMsg struct {
	Symbol    string
	Side      market.Side
	Size      float64
	Price     float64
	AmountUSD float64
	Ts        time.Time
}

type rawTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Open   string `json:"open24h"`
	High   string `json:"high24h"`
	Low    string `json:"low24h"`
	Vol    string `json:"vol24h"`
	Ts     string `json:"ts"`
}

type rawBook struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

type rawLiquidation struct {
	InstID  string `json:"instId"`
	Details []struct {
		Side string `json:"side"`
		Sz   string `json:"sz"`
		BkPx string `json:"bkPx"`
		Ts   string `json:"ts"`
	} `json:"details"`
}

// ParseMessage 将上游原始帧解析为类型化消息。
// 订阅确认帧返回 (nil, nil)；任何数字字段非法都视为整条拒绝，
// 保证进入状态层的消息字段齐全。
func ParseMessage(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Event != "" || len(env.Data) == 0 {
		return nil, nil
	}

	switch env.Arg.Channel {
	case ChannelTickers:
		return parseTicker(env.Arg.InstID, env.Data)
	case ChannelBooks:
		return parseOrderbook(env.Arg.InstID, env.Data)
	case ChannelLiquidations:
		return parseLiquidation(env.Arg.InstID, env.Data)
	default:
		return nil, fmt.Errorf("unknown channel: %s", env.Arg.Channel)
	}
}

func parseTicker(instID string, data json.RawMessage) (*TickerMsg, error) {
	var rows []rawTicker
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("ticker payload: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("ticker payload empty")
	}
	row := rows[0]
	if row.InstID == "" {
		row.InstID = instID
	}
	if row.InstID == "" {
		return nil, fmt.Errorf("ticker missing instId")
	}

	msg := &TickerMsg{Symbol: row.InstID}
	var err error
	if msg.LastPrice, err = parseFloat("last", row.Last); err != nil {
		return nil, err
	}
	if msg.Open24h, err = parseFloat("open24h", row.Open); err != nil {
		return nil, err
	}
	if msg.High24h, err = parseFloat("high24h", row.High); err != nil {
		return nil, err
	}
	if msg.Low24h, err = parseFloat("low24h", row.Low); err != nil {
		return nil, err
	}
	if msg.Vol24h, err = parseFloat("vol24h", row.Vol); err != nil {
		return nil, err
	}
	if msg.Open24h != 0 {
		msg.Change24h = (msg.LastPrice - msg.Open24h) / msg.Open24h * 100
	}
	msg.Ts = parseMillis(row.Ts)
	return msg, nil
}

func parseOrderbook(instID string, data json.RawMessage) (*OrderbookMsg, error) {
	if instID == "" {
		return nil, fmt.Errorf("orderbook missing instId")
	}
	var rows []rawBook
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("orderbook payload: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("orderbook payload empty")
	}

	msg := &OrderbookMsg{Symbol: instID}
	var err error
	if msg.Bids, err = parseLevels("bid", rows[0].Bids); err != nil {
		return nil, err
	}
	if msg.Asks, err = parseLevels("ask", rows[0].Asks); err != nil {
		return nil, err
	}
	return msg, nil
}

func parseLiquidation(instID string, data json.RawMessage) (*LiquidationMsg, error) {
	var rows []rawLiquidation
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("liquidation payload: %w", err)
	}
	if len(rows) == 0 || len(rows[0].Details) == 0 {
		return nil, fmt.Errorf("liquidation payload empty")
	}
	row := rows[0]
	if row.InstID == "" {
		row.InstID = instID
	}
	if row.InstID == "" {
		return nil, fmt.Errorf("liquidation missing instId")
	}
	det := row.Details[0]

	msg := &LiquidationMsg{Symbol: row.InstID}
	switch det.Side {
	case "long", "buy":
		msg.Side = market.SideLong
	case "short", "sell":
		msg.Side = market.SideShort
	default:
		return nil, fmt.Errorf("liquidation side invalid: %q", det.Side)
	}
	var err error
	if msg.Size, err = parseFloat("sz", det.Sz); err != nil {
		return nil, err
	}
	if msg.Price, err = parseFloat("bkPx", det.BkPx); err != nil {
		return nil, err
	}
	msg.AmountUSD = msg.Size * msg.Price
	msg.Ts = parseMillis(det.Ts)
	return msg, nil
}

// parseLevels 解析 [price, size, ...] 档位数组，任何一档非法整体拒绝。
func parseLevels(side string, rows [][]string) ([]market.Level, error) {
	levels := make([]market.Level, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%s level %d truncated", side, i)
		}
		price, err := parseFloat(side+" price", row[0])
		if err != nil {
			return nil, err
		}
		size, err := parseFloat(side+" size", row[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, market.Level{Price: price, Size: size})
	}
	return levels, nil
}

func parseFloat(field, s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("%s missing", field)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s malformed: %q", field, s)
	}
	return v, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}
