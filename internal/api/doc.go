// Package api exposes the HTTP surface of the daemon.
//
// NewRouter mounts a chi router with the health probe, the Prometheus
// endpoint, the token-authenticated unsubscribe action linked from delivered
// notifications, and a bearer-protected status view of the last detection
// batch. Handlers speak JSON and never reveal why a token was rejected.
package api
