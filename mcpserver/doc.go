// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes
// sandboxed execution tools. It uses the mark3labs/mcp-go library to handle
// the protocol details and provides two tools: run_code executes source code
// through a pooled, artifact-aware sandbox session, and execute_command runs
// a single shell command in a pooled session.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
