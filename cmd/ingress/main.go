package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/linkmux/internal/mapping"
	"github.com/matst80/linkmux/internal/obs"
	"github.com/matst80/linkmux/internal/ratelimit"
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
	obs.Info("ingress.start", obs.Fields{"device": cfg.Device, "baud": cfg.Baud, "flow_control": cfg.FlowControl, "mappings": cfg.MappingPath})

	mt, err := mapping.Load(cfg.MappingPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			obs.Warn("mapping.fallback", obs.Fields{"path": cfg.MappingPath, "err": err.Error()})
			mt = mapping.Default()
		} else {
			obs.Error("mapping.load", obs.Fields{"path": cfg.MappingPath, "err": err.Error()})
			os.Exit(1)
		}
	}

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

	var limiter *ratelimit.AcceptLimiter
	if cfg.AcceptRate > 0 || cfg.AcceptPortRate > 0 {
		limiter = ratelimit.NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptPortRate, cfg.AcceptBurst)
	}

	in := tunnel.NewIngress(mt, limiter, reg)
	if cfg.MetricsAddr != "" {
		go tunnel.StartMetricsServer(cfg.MetricsAddr, in)
	}

	os.Exit(in.Run(ctx, uart))
}
