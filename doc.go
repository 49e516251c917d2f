// Package mcpwire implements a JSON-RPC 2.0 client and server stack for
// tool-calling protocol servers.
//
// The layers, bottom up:
//
//   - Transport: one bidirectional message channel. Stdio subprocess,
//     HTTP+SSE session, and websocket variants share one interface.
//   - Connection: pooling with bounded size, health checks, and dialing
//     with retry and exponential backoff (ConnectionManager).
//   - ProtocolClient / Server: the request-response protocol itself,
//     with the initialize handshake, request correlation by ID, and
//     notification dispatch.
//   - Middleware: logging, caching, retry, authentication, and metrics
//     composable around every operation (Chain).
//   - Client / Pipeline: the high-level facade for one server, and the
//     multi-server fan-out with shared middleware.
//
// Most programs only need the facade:
//
//	client, err := mcpwire.QuickConnect(ctx, "stdio://my-server")
//	if err != nil { ... }
//	defer client.Disconnect(ctx)
//
//	result, err := client.CallTool(ctx, "search", map[string]any{"q": "weather"})
package mcpwire
