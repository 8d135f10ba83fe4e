// Package store persists sequelwatch state in SQLite.
//
// Tables hold catalog entries, consumption records, notifications with their
// action tokens, per-user notification preferences and a match audit trail.
// Every query lives on Queries, which is embedded by both Store (autocommit)
// and Tx (one transaction), so the same methods serve one-off CLI commands and
// all-or-nothing per-user detection runs. The notification dedup key is
// enforced by a unique index; inserts that hit it report
// notifications.ErrDuplicate rather than a raw constraint error.
package store
