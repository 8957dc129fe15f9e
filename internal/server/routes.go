// Package server wires HTTP handlers into a ServeMux for the relay gateway.
package server

import (
	"net/http"

	"github.com/Tyrowin/gochat-relay/internal/metrics"
)

// SetupRoutes configures and returns an HTTP ServeMux with all gateway routes:
// health check, WebSocket endpoint, presence lookup, and optionally the test
// page and the metrics endpoint.
func SetupRoutes(g *Gateway, metricsCfg MetricsConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	mux.HandleFunc("/presence", g.PresenceHandler)
	if g.testPage {
		mux.HandleFunc("/test", g.TestPageHandler)
	}
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler())
	}
	return mux
}
