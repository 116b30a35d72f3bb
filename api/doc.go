// Package api documents the HTTP surface a knowmesh node publishes.
//
// Handlers live in api/handlers; the node package mounts them and
// cmd/knowmesh wraps them with middleware.
//
// # Endpoints
//
//	GET /v1/artifacts  staged exports of this node (public artifacts only)
//	GET /v1/registry   this node's registry document, for peer sync
//	GET /health        liveness
//	GET /ready         readiness: registry, plus database and redis when used
//	GET /version       build information
//	GET /metrics       Prometheus metrics
//
// # Authentication
//
// When server.jwt.secret is set, every endpoint except the probes and
// /metrics requires an HS256 bearer token. The token subject names the
// calling node:
//
//	Authorization: Bearer <token>
//
// # Errors
//
// Failures use one envelope whose code is the knowmesh error code:
//
//	{
//	  "success": false,
//	  "error": {"code": "NODE_NOT_FOUND", "message": "...", "retryable": false},
//	  "timestamp": "2026-01-01T00:00:00Z",
//	  "request_id": "req-..."
//	}
package api
