// Package config loads and validates application settings from
// environment variables and an optional config file, exposing them as
// typed structs grouped by concern (server, database, auth, presence,
// dispatch, realtime).
package config
