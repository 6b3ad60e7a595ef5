// Package server implements the transports of the smoothing service: a UDP
// listener for binary score streams and an HTTP API for JSON ingest, live
// WebSocket result feeds, monitoring and management.
package server
