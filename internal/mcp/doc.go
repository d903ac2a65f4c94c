// Package mcp implements the client side of the Model Context Protocol
// used to reach the supply-chain analysis server.
//
// The server runs as a child process and speaks newline-delimited
// JSON-RPC 2.0 on its stdin and stdout. [Manager] owns that child's
// lifecycle and hands out an initialized [Client], which offers the
// protocol operations the agent needs: tools/list, tools/call,
// resources/read, prompts/get and ping. [BridgeTools] exposes the
// server's tools through a [tools.Registry] so the agent loop can call
// them like native tools.
package mcp
