// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// feedmuxd exposes an upstream database's changefeed as live,
// filterable streams and webhook triggers. Configuration comes from
// flags, with environment variables as defaults.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/juju/feedmux/internal/feedserver"
	"github.com/juju/feedmux/internal/schema"
	"github.com/juju/feedmux/internal/source"
	"github.com/juju/feedmux/internal/trigger"
	"github.com/juju/feedmux/internal/upstream"
)

var logger = loggo.GetLogger("feedmux")

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the server; split from main for exit-code handling.
func Main(args []string) int {
	var (
		dsn          = os.Getenv("FEEDMUX_DSN")
		schemaPath   = os.Getenv("FEEDMUX_SCHEMA")
		logLevel     = envOr("FEEDMUX_LOG_LEVEL", "INFO")
		metricsAddr  = envOr("FEEDMUX_METRICS_ADDR", ":9090")
		disposeDelay time.Duration
	)

	flags := gnuflag.NewFlagSetWithFlagKnownAs("feedmuxd", gnuflag.ContinueOnError, "option")
	flags.StringVar(&dsn, "dsn", dsn, "upstream database connection string")
	flags.StringVar(&schemaPath, "schema", schemaPath, "path to the view schema YAML")
	flags.StringVar(&logLevel, "log-level", logLevel, "root log level")
	flags.StringVar(&metricsAddr, "metrics-addr", metricsAddr, "listen address for /metrics")
	flags.DurationVar(&disposeDelay, "dispose-delay", 0, "idle source disposal delay")
	if err := flags.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := run(dsn, schemaPath, logLevel, metricsAddr, disposeDelay); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func run(dsn, schemaPath, logLevel, metricsAddr string, disposeDelay time.Duration) error {
	if dsn == "" {
		return errors.NotValidf("missing upstream DSN")
	}
	if schemaPath == "" {
		return errors.NotValidf("missing schema path")
	}
	if err := loggo.ConfigureLoggers("<root>=" + logLevel); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}

	views, err := schema.Load(schemaPath)
	if err != nil {
		return errors.Trace(err)
	}

	driver, err := upstream.NewPgDriver(upstream.PgDriverConfig{
		DSN:    dsn,
		Clock:  clock.WallClock,
		Logger: logger,
	})
	if err != nil {
		return errors.Trace(err)
	}

	sourceMetrics := source.NewMetrics()
	triggerMetrics := trigger.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := registry.Register(sourceMetrics); err != nil {
		return errors.Trace(err)
	}
	if err := registry.Register(triggerMetrics); err != nil {
		return errors.Trace(err)
	}

	server, err := feedserver.NewServer(feedserver.Config{
		Schema:         views,
		Driver:         driver,
		Clock:          clock.WallClock,
		Logger:         logger,
		SourceMetrics:  sourceMetrics,
		TriggerMetrics: triggerMetrics,
		DisposeDelay:   disposeDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warningf("metrics listener: %v", err)
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("received %v, shutting down", sig)
		server.Kill()
	}()

	logger.Infof("feedmuxd serving %d views", len(views.Views))
	return errors.Trace(server.Wait())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
