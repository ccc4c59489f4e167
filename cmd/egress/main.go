package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/linkmux/internal/obs"
	"github.com/matst80/linkmux/internal/registry"
	"github.com/matst80/linkmux/internal/serialport"
	"github.com/matst80/linkmux/internal/tunnel"
)

func main() {
	obs.Setup()
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		obs.Error("config", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("egress.start", obs.Fields{"device": cfg.Device, "baud": cfg.Baud, "flow_control": cfg.FlowControl})

	uart, err := serialport.Open(serialport.Config{Device: cfg.Device, Baud: cfg.Baud, FlowControl: cfg.FlowControl})
	if err != nil {
		obs.Error("serial", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	reg, err := registry.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("registry", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reg.StartMaintenance(ctx)

	eg := tunnel.NewEgress(reg)
	if cfg.MetricsAddr != "" {
		go tunnel.StartMetricsServer(cfg.MetricsAddr, eg)
	}

	os.Exit(eg.Run(ctx, uart))
}
