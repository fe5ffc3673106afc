// Package main is the entry point for the Runbox MCP server.
//
// The Runbox server implements a secure, configurable Model Context Protocol
// (MCP) server that executes untrusted user code (Python, Node.js, Go, C++)
// in isolated container-backed sessions. Sessions are pooled and reused so
// repeated requests skip container startup, and Python runs recover
// generated plot artifacts. The server supports both stdio and HTTP
// transports.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/logger"
	"github.com/isdmx/runbox/mcpserver"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// MCP server with per-language session pools
			mcpserver.New,
		),

		// Run the configured transport and tie pool shutdown to app stop
		fx.Invoke(
			func(lc fx.Lifecycle, cfg *config.Config, server *mcpserver.MCPServer) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						if err := server.Warm(ctx); err != nil {
							return err
						}
						switch cfg.Server.Transport {
						case "stdio":
							go func() {
								if err := server.ServeStdio(); err != nil {
									panic(err)
								}
							}()
						case "http":
							go func() {
								if err := server.ServeHTTP(); err != nil {
									panic(err)
								}
							}()
						}
						return nil
					},
					OnStop: func(ctx context.Context) error {
						return server.Close(ctx)
					},
				})
			},
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}
