// Package server constructs the HTTP service that fronts the relay.
package server

import (
	"net/http"
)

// CreateServer creates the HTTP server for the gateway routes. No write
// timeout is set: upgraded connections manage their own write deadlines.
func CreateServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}
