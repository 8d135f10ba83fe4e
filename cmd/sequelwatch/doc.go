// Command sequelwatch imports consumption history and catalog data, runs
// relationship detection, and manages the notifications it produces.
//
// One-shot commands (import, detect, notifications, cache) share the SQLite
// store with the daemon; detect and daemon take the same flock so they never
// run a batch concurrently.
package main
