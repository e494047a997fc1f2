package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"signal-relay-go/internal/container"

	"github.com/coreos/go-systemd/v22/daemon"
)

func main() {
	cfgPath := flag.String("config", "configs/relay.yaml", "配置文件路径")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		log.Fatalf("启动失败: %v", err)
	}

	// systemd Type=notify 就绪通知；非 systemd 环境下为 no-op
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		c.Logger().Warn("sd_notify ready failed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()

	if err := c.Stop(); err != nil {
		log.Printf("停止异常: %v", err)
		os.Exit(1)
	}
}
