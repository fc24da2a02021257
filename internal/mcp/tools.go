package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all chainbench tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	s.AddTool(gomcp.NewTool("chainbench_status",
		gomcp.WithDescription("Get the live benchmark status: run state, current round label and index, transactions submitted/succeeded/failed/in flight, round counters."),
	), statusHandler(client))

	s.AddTool(gomcp.NewTool("chainbench_health",
		gomcp.WithDescription("Readiness of the benchmark process and of the system under test."),
	), healthHandler(client))

	s.AddTool(gomcp.NewTool("chainbench_runs",
		gomcp.WithDescription("List past benchmark runs, newest first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max runs to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Offset for pagination (default: 0)"),
		),
	), runsHandler(client))

	s.AddTool(gomcp.NewTool("chainbench_run",
		gomcp.WithDescription("Get one benchmark run with the result of every sub-round."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	), runHandler(client))

	s.AddTool(gomcp.NewTool("chainbench_delete_run",
		gomcp.WithDescription("Delete a benchmark run and its round results. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	), deleteRunHandler(client))
}

func statusHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("chainbench unreachable: %v\n\nIs a benchmark running with -listen set?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	}
}

func healthHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("chainbench unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	}
}

func runsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/runs?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Listing runs failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRuns(raw)), nil
	}
}

func runHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/runs/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	}
}

func deleteRunHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/runs/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	}
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	status := getStr(m, "status")
	lines := joinLines(
		section("Benchmark Status"),
		kv("Status", status),
		kv("Run", getStr(m, "runId")),
		kv("Benchmark", getStr(m, "benchmark")),
	)
	if status == "idle" {
		return lines
	}

	submitted := getNum(m, "txSubmitted")
	succeeded := getNum(m, "txSucceeded")
	lines += "\n" + joinLines(
		kv("Round", fmt.Sprintf("%s #%d of %d", getStr(m, "label"), int64(getNum(m, "roundIndex")), int64(getNum(m, "totalRounds")))),
		kv("Workers", formatNumber(getNum(m, "workers"))),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
	)
	lines += "\n\n" + joinLines(
		section("Current Round"),
		kv("TXs Submitted", formatNumber(submitted)),
		kv("TXs Succeeded", formatNumber(succeeded)),
		kv("TXs Failed", formatNumber(getNum(m, "txFailed"))),
		kv("TXs In Flight", formatNumber(getNum(m, "txInFlight"))),
		kv("Success Rate", formatPct(succeeded, submitted)),
	)
	lines += "\n\n" + joinLines(
		section("Rounds"),
		kv("Succeeded", formatNumber(getNum(m, "roundsSucceeded"))),
		kv("Failed", formatNumber(getNum(m, "roundsFailed"))),
	)
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("chainbench Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			check, ok := c.(map[string]any)
			if !ok {
				continue
			}
			line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
			if errMsg := getStr(check, "error"); errMsg != "" {
				line += " - " + errMsg
			}
			lines += "\n" + line
		}
	}

	return lines
}

func formatRuns(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing runs: %v", err)
	}

	lines := joinLines(
		section("Benchmark Runs"),
		kv("Total Runs", formatNumber(getNum(m, "total"))),
	) + "\n\n"

	runs, ok := m["runs"].([]any)
	if !ok || len(runs) == 0 {
		return lines + "No runs found."
	}

	for _, r := range runs {
		run, ok := r.(map[string]any)
		if !ok {
			continue
		}
		lines += fmt.Sprintf("### %s\n", getStr(run, "id"))
		lines += joinLines(
			kv("Benchmark", getStr(run, "benchmark")),
			kv("Backend", getStr(run, "backend")),
			kv("Status", getStr(run, "status")),
			kv("Rounds", fmt.Sprintf("%d succeeded, %d failed of %d",
				int64(getNum(run, "roundsSucceeded")), int64(getNum(run, "roundsFailed")), int64(getNum(run, "totalRounds")))),
			kv("Started", formatTime(getStr(run, "startedAt"))),
		)
		lines += "\n\n"
	}

	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}

	run, ok := m["run"].(map[string]any)
	if !ok {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+getStr(run, "id")),
		kv("Benchmark", getStr(run, "benchmark")),
		kv("Backend", getStr(run, "backend")),
		kv("Status", getStr(run, "status")),
		kv("Workers", formatNumber(getNum(run, "workers"))),
		kv("Started", formatTime(getStr(run, "startedAt"))),
		kv("Completed", formatTime(getStr(run, "completedAt"))),
		kv("Report", getStr(run, "reportPath")),
		kv("Error", getStr(run, "errorMessage")),
	)

	rounds, _ := m["rounds"].([]any)
	if len(rounds) == 0 {
		return lines
	}
	lines += "\n\n" + section("Rounds")
	for _, r := range rounds {
		rd, ok := r.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("\n  [%d] %-12s %-9s succ=%s fail=%s",
			int64(getNum(rd, "roundIndex")), getStr(rd, "label"), getStr(rd, "status"),
			formatNumber(getNum(rd, "succ")), formatNumber(getNum(rd, "fail")))
		if v, ok := rd["throughputTps"].(float64); ok {
			line += fmt.Sprintf(" throughput=%.1f tps", v)
		}
		if lat, ok := rd["latency"].(map[string]any); ok {
			line += " avg=" + formatSeconds(getNum(lat, "avg"))
		}
		if e := getStr(rd, "error"); e != "" {
			line += " error=" + e
		}
		lines += line
	}
	return lines
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
