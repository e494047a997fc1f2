package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"signal-relay-go/gateway"
	"signal-relay-go/infrastructure/logger"
)

// printHandler 把上游帧解析后打印，用于排查行情源问题。
type printHandler struct {
	raw bool
}

func (p *printHandler) OnRawMessage(data []byte) {
	if p.raw {
		fmt.Println(string(data))
		return
	}
	msg, err := gateway.ParseMessage(data)
	if err != nil {
		fmt.Printf("[reject] %v\n", err)
		return
	}
	switch m := msg.(type) {
	case *gateway.TickerMsg:
		fmt.Printf("[ticker] %s last=%.4f vol24h=%.2f change24h=%.3f%%\n",
			m.Symbol, m.LastPrice, m.Vol24h, m.Change24h)
	case *gateway.OrderbookMsg:
		fmt.Printf("[book]   %s bids=%d asks=%d\n", m.Symbol, len(m.Bids), len(m.Asks))
	case *gateway.LiquidationMsg:
		fmt.Printf("[liq]    %s side=%s notional=%.0fUSD\n", m.Symbol, m.Side, m.AmountUSD)
	}
}

func main() {
	endpoint := flag.String("endpoint", gateway.OKXPublicEndpoint, "上游公共 WebSocket 地址")
	symbols := flag.String("symbols", "BTC-USDT", "逗号分隔的交易对")
	raw := flag.Bool("raw", false, "打印原始帧而非解析结果")
	duration := flag.Duration("duration", 0, "运行时长，0 表示直到 Ctrl-C")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "warn", Outputs: []string{"stdout"}, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	var syms []string
	for _, s := range strings.Split(*symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			syms = append(syms, s)
		}
	}

	client := gateway.NewOKXClient(*endpoint, &printHandler{raw: *raw}, log, syms)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("feed_probe connected to %s, symbols: %s\n", *endpoint, strings.Join(syms, ", "))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if *duration > 0 {
		select {
		case <-sigCh:
		case <-time.After(*duration):
		}
	} else {
		<-sigCh
	}

	_ = client.Stop()
}
