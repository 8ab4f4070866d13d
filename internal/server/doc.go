// Package server hosts the Fiber HTTP service that exposes the prefetch
// command surface. It owns the middleware chain (panic recovery, request IDs,
// JSON errors) and the shared upstream HTTP client; the concrete command
// routes live in the routes subpackage and receive their dependencies
// explicitly.
package server
