// Package detection scores candidate successor relationships between a user's
// consumed catalog entries and the rest of the catalog.
//
// The Detector evaluates an ordered ladder of tagged rules (season increment,
// exact title with a newer release, fuzzy title match). Every rule that fires
// for a (source, candidate) pair is considered and the highest confidence wins;
// matches below the minimum confidence are discarded, and anything the user
// already consumed is excluded unconditionally. FindSuccessors is pure: the
// same inputs always produce the same ordered output, so per-user runs can be
// fanned out in parallel.
package detection
