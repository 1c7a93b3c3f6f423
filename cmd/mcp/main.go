// Shortlet ops MCP server - exposes settlement operator actions as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/shortlet/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:      envOrDefault("SHORTLET_API_URL", "http://localhost:8080"),
		AdminSecret: os.Getenv("SHORTLET_ADMIN_SECRET"),
		OperatorID:  envOrDefault("SHORTLET_OPERATOR_ID", "mcp-operator"),
	}

	if cfg.AdminSecret == "" {
		fmt.Fprintln(os.Stderr, "SHORTLET_ADMIN_SECRET is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
