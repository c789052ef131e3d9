// Package server implements the realtime side of the chat service: the
// WebSocket gateway, per-connection sessions and the hub that fans room,
// presence and notification events out to them.
//
// The implementation is organized into specialized files for configuration,
// hub management, sessions, inbound event handlers, routing, and HTTP
// handlers. Persistence lives behind internal/store and token checks behind
// internal/auth.
package server
