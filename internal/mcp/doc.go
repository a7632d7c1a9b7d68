// Package mcp implements MCP (Model Context Protocol) client support,
// the wire layer beneath the tool execution gateway. The session
// manager owns one client at a time; the agent loop sees only the
// tools it exposes.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. The client discovers tools via tools/list and
// invokes them via tools/call. A tool may succeed or report a failure
// of its own (isError); both outcomes are returned as data, since the
// loop engine feeds failures back to the model rather than aborting.
//
// This implementation covers the client/host side only — patchbay does
// not act as an MCP server.
package mcp
