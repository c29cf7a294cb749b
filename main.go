/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"hk-tick-md-go/collector"
	"hk-tick-md-go/config"
	"hk-tick-md-go/gateway"
)

func main() {
	cfg := config.FromEnv()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	app := collector.NewApp(cfg, gateway.Dial)
	if err := app.Run(ctx); err != nil {
		log.WithError(err).Error("exiting")
		os.Exit(1)
	}
}

func setupLogging(level string) {
	log.SetFormatter(&log.JSONFormatter{})
	log.SetOutput(os.Stdout)
	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.WithField("addr", addr).Info("metrics_listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics_listener_failed")
	}
}
