// Package config loads, normalizes, and validates genrelay configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// GENRELAY_NTFY_TOPIC and GENRELAY_REDIS_ADDR. The Config type centralizes
// every knob the daemon and CLI need: backoff parameters, login and network
// thresholds, the paused-job storage backend, and the target page URLs.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
