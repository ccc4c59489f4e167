package main

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds ingress runtime configuration. The wire-facing settings come
// from the positional arguments: device, baud, flow-control flag, mapping
// file path. Operational knobs come from LINKMUX_* environment variables.
type Config struct {
	Device      string
	Baud        uint
	FlowControl bool
	MappingPath string

	MetricsAddr    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	AcceptRate     int
	AcceptPortRate int
	AcceptBurst    int
}

func parseConfig(args []string) (Config, error) {
	cfg := Config{
		Device:      "COM1",
		Baud:        115200,
		FlowControl: true,
		MappingPath: "port-mapping.json",
		AcceptBurst: 16,
	}
	if len(args) > 0 {
		cfg.Device = args[0]
	}
	if len(args) > 1 {
		baud, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil || baud == 0 {
			return cfg, fmt.Errorf("invalid baud rate %q", args[1])
		}
		cfg.Baud = uint(baud)
	}
	if len(args) > 2 {
		cfg.FlowControl = args[2] != "false"
	}
	if len(args) > 3 {
		cfg.MappingPath = args[3]
	}

	cfg.MetricsAddr = os.Getenv("LINKMUX_METRICS_ADDR")
	cfg.RedisAddr = os.Getenv("LINKMUX_REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("LINKMUX_REDIS_PASSWORD")
	cfg.RedisDB = envInt("LINKMUX_REDIS_DB", 0)
	cfg.AcceptRate = envInt("LINKMUX_ACCEPT_RATE", 0)
	cfg.AcceptPortRate = envInt("LINKMUX_ACCEPT_PORT_RATE", 0)
	cfg.AcceptBurst = envInt("LINKMUX_ACCEPT_BURST", cfg.AcceptBurst)
	return cfg, nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
