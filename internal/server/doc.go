// Package server assembles the relay gateway: configuration, logging, the
// HTTP routes that upgrade WebSocket clients, and the process lifecycle that
// ties the delivery coordinator to the broker bridge.
//
// Configuration lives in config.go, routing in routes.go, handlers in
// handlers.go and the process wiring in server.go.
package server
