// Package config loads, normalizes, and validates sequelwatch configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// TMDB_API_KEY and SEQUELWATCH_TOKEN_SECRET. The Config type centralizes every
// knob the daemon and CLI need: cache TTLs, rate-limit windows, per-rule
// detection confidences, and token validity all live here so components never
// carry their own literals.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
