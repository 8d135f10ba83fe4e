// Package notifications turns successor matches into user notifications.
//
// The Dispatcher deduplicates on (user, source entry, candidate entry, match
// type), renders the title and message, signs a time-bound action token bound
// to the user and notification, and persists the result through a Repository.
// A uniqueness violation during insert is treated exactly like a duplicate
// found by the pre-check, so concurrent runs never create a second row.
// Delivery payloads carry an action URL embedding the token; Unsubscribe and
// ReissueToken operate on that token without any session.
package notifications
