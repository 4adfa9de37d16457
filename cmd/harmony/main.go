package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/runtime"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

var opts struct {
	Config    string `short:"c" long:"config" description:"Path to the gateway configuration" default:"config.toml"`
	LogLevel  string `long:"log-level" description:"Override the configured log level"`
	LogFormat string `long:"log-format" description:"Log output format" choice:"text" choice:"json" default:"text"`
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if opts.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}

	var cfg, err = config.Load(opts.Config)
	if err != nil {
		log.WithField("error", err).Fatal("failed to load configuration")
	}
	if opts.LogLevel != "" {
		cfg.Proxy.LogLevel = opts.LogLevel
	}

	var ctx, stop = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = runtime.Run(ctx, cfg); err != nil {
		log.WithField("error", err).Fatal("gateway failed")
	}
	log.Info("gateway stopped")
}
