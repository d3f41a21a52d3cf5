package main

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/angeloszaimis/text-remover/config"
	"github.com/angeloszaimis/text-remover/internal/circuitbreaker"
	"github.com/angeloszaimis/text-remover/internal/endpoint"
	"github.com/angeloszaimis/text-remover/internal/fal"
	"github.com/angeloszaimis/text-remover/internal/handler"
	"github.com/angeloszaimis/text-remover/internal/healthcheck"
	"github.com/angeloszaimis/text-remover/internal/metrics"
)

// Handler names, also used as route paths.
const (
	variantSingle   = "process-image"
	variantFallback = "remove-text"
)

// app holds everything both subcommands share.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	client    *fal.Client
	breakers  *circuitbreaker.Registry
	collector *metrics.Collector
	handlers  map[string]*handler.InpaintHandler
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	client := fal.NewClient(fal.Config{
		Key:          cfg.Fal.Key,
		QueueURL:     cfg.Fal.QueueURL,
		PollInterval: config.Duration(cfg.Fal.PollInterval),
		HTTPClient: &http.Client{
			Timeout:   config.Duration(cfg.Fal.HTTPTimeout),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})

	a := &app{
		cfg:       cfg,
		log:       log,
		client:    client,
		breakers:  circuitbreaker.NewRegistry(cfg.CircuitBreaker.Threshold, config.Duration(cfg.CircuitBreaker.ResetTimeout)),
		collector: metrics.NewCollector(cfg.Metrics.BufferSize, log),
		handlers:  make(map[string]*handler.InpaintHandler, 2),
	}

	chains := map[string][]*endpoint.Endpoint{
		variantSingle: {
			newEndpoint(endpoint.NameSingle, cfg.Models.Single),
		},
		variantFallback: {
			newEndpoint(endpoint.NamePrimary, cfg.Models.Primary),
			newEndpoint(endpoint.NameFallback, cfg.Models.Fallback),
		},
	}

	for variant, endpoints := range chains {
		h, err := handler.NewInpaintHandler(log, handler.Options{
			Variant:   variant,
			KeyName:   cfg.Fal.KeyName,
			Client:    client,
			Endpoints: endpoints,
			Breakers:  a.breakers,
			Collector: a.collector,
		})
		if err != nil {
			return nil, err
		}
		a.handlers[variant] = h
	}

	return a, nil
}

func newEndpoint(name string, mc config.ModelConfig) *endpoint.Endpoint {
	return endpoint.New(name, mc.ID, endpoint.Params{
		Prompt:            mc.Prompt,
		NegativePrompt:    mc.NegativePrompt,
		NumInferenceSteps: mc.NumInferenceSteps,
		GuidanceScale:     mc.GuidanceScale,
		Strength:          mc.Strength,
		Seed:              mc.Seed,
	})
}

func (a *app) healthChecker() *healthcheck.Checker {
	chains := make([]healthcheck.Chain, 0, len(a.handlers))
	for _, variant := range []string{variantSingle, variantFallback} {
		h := a.handlers[variant]
		chains = append(chains, healthcheck.Chain{Variant: h.Variant(), Endpoints: h.Endpoints()})
	}
	return healthcheck.NewChecker(a.log, a.client, a.breakers, chains...)
}
