// Package mcp implements the Model Context Protocol client runtime:
// launching and supervising external MCP servers, performing the
// initialize handshake, discovering the tools each server exposes, and
// routing tool invocations to the owning server.
//
// The package is organized in three layers. Transports (stdio, HTTP,
// WebSocket) move JSON-RPC 2.0 messages and correlate responses to
// requests. A Conn owns one transport session end to end: handshake,
// discovery, concurrent calls, teardown. The Manager owns the set of
// Conns, keyed by server name, and presents one routing surface to the
// rest of the system. BridgeAll adapts every discovered tool into the
// generic tools.Tool contract so the agent loop cannot tell remote
// tools from local ones.
//
// This implementation covers the client/host side only — Atlas does not
// act as an MCP server.
package mcp
