// Package httpx adapts net/http to the resilix engine.
//
// Client sends every request as a guarded call against one engine target
// and turns HTTP status codes into resilix error kinds, so retries and
// breaker accounting follow the server's answers.
package httpx
