// chainbench MCP server.
// Exposes the chainbench HTTP API as tools over the MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/chainbench/internal/mcp"
)

func main() {
	apiURL := os.Getenv("CHAINBENCH_URL")
	if apiURL == "" {
		apiURL = "http://localhost:13001"
	}

	s := server.NewMCPServer(
		"chainbench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(apiURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
