// Package gatewayhttp implements the Endpoint Dispatcher (C6): the minimal
// HTTP front that resolves a URL path to {endpoint, wire shape}, enforces
// the endpoint's auth policy, and delegates the authenticated request to
// the Client Session Manager (C5).
//
// # Endpoints
//
// For an endpoint named "foo" mounted under path prefix "/gateway":
//
//	GET  /gateway/foo/sse                    legacy SSE event stream
//	POST /gateway/foo/message?sessionId=<id> legacy SSE message post
//	POST /gateway/foo/mcp                    Streamable-HTTP, session init or frame
//	GET  /gateway/foo/mcp                    Streamable-HTTP, server-to-client stream
//	DELETE /gateway/foo/mcp                  Streamable-HTTP, session terminate
//	GET  /gateway/foo/api                    read-only OpenAPI-described tool catalog
//	GET  /gateway/foo/api/openapi.json       OpenAPI schema for the above
//	POST /gateway/foo/api/tools/<name>       call one tool, JSON in/out over plain HTTP
//
// The same routes are mirrored under
// /gateway/api-key/<key>/foo/... when legacy API-key-in-path support is
// enabled, with <key> validated as a Bearer credential.
//
// # Auth
//
// Every route but a public endpoint's requires a credential, extracted in
// priority order: Authorization: Bearer header, then (if the endpoint's
// policy allows and the route isn't an SSE route) an api_key query
// parameter. A private endpoint additionally requires the resolved
// principal to own it.
package gatewayhttp
