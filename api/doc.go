// Package api provides the wire types for the FlowGraph HTTP API.
//
// This package contains the request/response DTOs exchanged with the visual
// workflow editor and other HTTP clients.
//
// # API Overview
//
// FlowGraph provides a RESTful API for:
//   - Workflow document validation
//   - Workflow execution (synchronous, SSE streaming and WebSocket)
//   - Execution history queries
//   - Health monitoring and metrics
//
// # Authentication
//
// When auth is enabled, API endpoints require the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// or a Bearer token:
//
//	Authorization: Bearer <jwt>
//
// Health and metrics endpoints are always exempt.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # Generating Documentation
//
// To regenerate Swagger documentation using swag:
//
//	swag init -g cmd/flowgraph/main.go -o api --parseDependency --parseInternal
package api
