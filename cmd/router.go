package main

import (
	"net/http"

	"github.com/angeloszaimis/text-remover/internal/healthcheck"
	"github.com/angeloszaimis/text-remover/internal/telemetry"
)

func setupRouter(a *app, checker *healthcheck.Checker) *http.ServeMux {
	mux := http.NewServeMux()

	for variant, h := range a.handlers {
		mux.Handle("/"+variant, telemetry.WrapHandler(variant, h))
	}
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/stats", a.collector.Handler())
	mux.HandleFunc("/healthz", checker.Handler())
	mux.HandleFunc("/healthz/reset", checker.ResetHandler())

	return mux
}
