package main

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds egress runtime configuration. Positional arguments: device,
// baud, flow-control flag. Operational knobs come from LINKMUX_*
// environment variables.
type Config struct {
	Device      string
	Baud        uint
	FlowControl bool

	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func parseConfig(args []string) (Config, error) {
	cfg := Config{
		Device:      "COM1",
		Baud:        115200,
		FlowControl: true,
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

	cfg.MetricsAddr = os.Getenv("LINKMUX_METRICS_ADDR")
	cfg.RedisAddr = os.Getenv("LINKMUX_REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("LINKMUX_REDIS_PASSWORD")
	cfg.RedisDB = envInt("LINKMUX_REDIS_DB", 0)
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
