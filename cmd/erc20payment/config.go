package main

import "github.com/urfave/cli"

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "Path to the TOML configuration file",
		Value: "config.toml",
	}
	httpAddrFlag = cli.StringFlag{
		Name:  "http-addr",
		Usage: "Listen address for the read-only HTTP observer surface",
		Value: ":8080",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "Listen address for the Prometheus /metrics endpoint",
		Value: ":9090",
	}
	oneshotFlag = cli.BoolFlag{
		Name:  "oneshot",
		Usage: "Exit once both the transfer and tx queues drain, instead of running forever",
	}
)

var appFlags = []cli.Flag{configFlag, httpAddrFlag, metricsAddrFlag, oneshotFlag}
