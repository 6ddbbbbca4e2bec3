// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command sentineld runs the network-defense agent against one
// interface until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/flywall/internal/agent"
	"grimm.is/flywall/internal/config"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

const (
	exitOK                 = 0
	exitPrivilegeFailure   = 1
	exitCaptureUnavailable = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/sentineld/config.json", "path to the JSON configuration document")
	iface := flag.String("interface", "", "network interface to monitor (required)")
	jsonLogs := flag.Bool("json-logs", false, "emit structured logs as JSON instead of text")
	syslogHost := flag.String("syslog-host", "", "forward logs to a remote syslog collector on this host (optional; port from -syslog-port)")
	syslogPort := flag.Int("syslog-port", 514, "remote syslog port")
	flag.Parse()

	if *iface == "" {
		fmt.Fprintln(os.Stderr, "sentineld: -interface is required")
		return exitPrivilegeFailure
	}

	logCfg := logging.DefaultConfig()
	logCfg.JSON = *jsonLogs

	if *syslogHost != "" {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Enabled:  true,
			Host:     *syslogHost,
			Port:     *syslogPort,
			Protocol: "udp",
			Tag:      "sentineld",
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "sentineld: syslog dial failed: %v\n", err)
			return exitPrivilegeFailure
		}
		defer w.Close()
		logCfg.Output = io.MultiWriter(os.Stdout, w)
	}

	log := logging.New(logCfg).WithComponent("sentineld")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration", "path", *configPath)
		return exitPrivilegeFailure
	}

	a, err := agent.New(cfg, *iface, log)
	if err != nil {
		switch errors.GetKind(err) {
		case errors.KindPermission:
			log.WithError(err).Error("insufficient privilege to start")
			return exitPrivilegeFailure
		case errors.KindUnavailable:
			log.WithError(err).Error("capture backend unavailable on requested interface", "interface", *iface)
			return exitCaptureUnavailable
		default:
			log.WithError(err).Error("failed to build agent")
			return exitPrivilegeFailure
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("sentineld starting", "interface", *iface)
	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("agent exited with error")
		return exitPrivilegeFailure
	}

	log.Info("sentineld stopped")
	return exitOK
}
