// Package titles turns free-form consumption titles into canonical identifiers.
//
// A Normalizer applies an ordered list of pattern rules (first match wins) to
// pull a base title, season, and episode out of strings such as
// "Breaking Bad: Season 5: Episode 1" or "Show X S1E1", then cleans the base
// title (articles, whitespace, trailing publication year) and derives a folded
// comparison key. Parsing is heuristic: anything unrecognized is treated as a
// movie whose base title is the cleaned input. Normalize never fails and is
// deterministic.
package titles
