// Package settings persists small per-namespace key/value preferences, such as
// the user-selected cache capacity, across process restarts.
package settings
