// Package lifecycle owns the single live cache instance. It enforces at most
// one open cache, makes initialization idempotent, and publishes the handle
// through an atomic pointer so readers never observe a half-built or released
// instance.
package lifecycle
