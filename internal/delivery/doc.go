// Package delivery pushes notification payloads to users.
//
// A Sink transports one payload. NtfySink posts to an ntfy topic, Outbox
// keeps payloads in memory for dry runs and tests, and Discard drops them
// when no transport is configured. Service applies the user's email
// preference, sends, and records the outcome on the notification row; a
// failed send is logged and left pending for the next Redeliver sweep.
package delivery
