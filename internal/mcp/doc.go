// Package mcp serves the Bluesky actions as Model Context Protocol tools over
// newline-delimited JSON-RPC 2.0 on stdin/stdout.
//
// Tool arguments are validated against each tool's JSON Schema before they
// are decoded. Business failures become tool results with isError set; the
// server keeps running and serves the next request.
//
// Tools are registered in tools.go. Each one names the session, composer or
// action method it calls and the text it returns on success.
package mcp
