// Package handler exposes the gateway's HTTP endpoints.
package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"civic-data-gateway/internal/config"
	"civic-data-gateway/internal/metrics"
	"civic-data-gateway/internal/route"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, table *route.Table, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	routes := table.Routes()
	served := make(map[string]bool, len(routes))
	for _, r := range routes {
		served[r.Method+" "+r.Path] = true
	}
	for _, r := range routes {
		e.Add(r.Method, r.Path, proxy.For(r)).Name = r.Name

		// Echo does not match an empty trailing parameter; route it to the
		// same handler so it gets the missing-parameter 400.
		if p, ok := r.EmptyParamPath(); ok && !served[r.Method+" "+p] {
			e.Add(r.Method, p, proxy.For(r))
			served[r.Method+" "+p] = true
		}
	}
}
