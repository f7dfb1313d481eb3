package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus renders a snapshot in Prometheus text exposition format.
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP chat_uptime_seconds Time since chatd started\n")
	sb.WriteString("# TYPE chat_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("chat_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Requests
	sb.WriteString("# HELP chat_requests_total Total HTTP requests by endpoint\n")
	sb.WriteString("# TYPE chat_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		sb.WriteString(fmt.Sprintf("chat_requests_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequests[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE chat_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		sb.WriteString(fmt.Sprintf("chat_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, snap.TotalRequestsDur[endpoint]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_request_errors_total Requests answered with status >= 400\n")
	sb.WriteString("# TYPE chat_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		sb.WriteString(fmt.Sprintf("chat_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, snap.RequestErrors[endpoint]))
	}
	sb.WriteString("\n")

	// Streams
	sb.WriteString("# HELP chat_runs_started_total Agent runs streamed to clients\n")
	sb.WriteString("# TYPE chat_runs_started_total counter\n")
	sb.WriteString(fmt.Sprintf("chat_runs_started_total %d\n", snap.RunsStarted))
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_runs_in_progress Agent runs currently streaming\n")
	sb.WriteString("# TYPE chat_runs_in_progress gauge\n")
	sb.WriteString(fmt.Sprintf("chat_runs_in_progress %d\n", snap.RunsInProgress))
	sb.WriteString("\n")

	outcomes := make(map[string]int64, len(snap.RunsByOutcome))
	for k, v := range snap.RunsByOutcome {
		outcomes[string(k)] = v
	}
	sb.WriteString("# HELP chat_runs_total Finished agent runs by outcome\n")
	sb.WriteString("# TYPE chat_runs_total counter\n")
	for _, outcome := range sortedKeys(outcomes) {
		sb.WriteString(fmt.Sprintf("chat_runs_total{outcome=\"%s\"} %d\n", outcome, outcomes[outcome]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_run_duration_ms_total Total streaming time in milliseconds\n")
	sb.WriteString("# TYPE chat_run_duration_ms_total counter\n")
	sb.WriteString(fmt.Sprintf("chat_run_duration_ms_total %d\n", snap.RunDurationMs))
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_frames_total UI stream frames written by type\n")
	sb.WriteString("# TYPE chat_frames_total counter\n")
	for _, typ := range sortedKeys(snap.FramesByType) {
		sb.WriteString(fmt.Sprintf("chat_frames_total{type=\"%s\"} %d\n", typ, snap.FramesByType[typ]))
	}
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_tool_calls_total Tool calls by tool name\n")
	sb.WriteString("# TYPE chat_tool_calls_total counter\n")
	for _, name := range sortedKeys(snap.ToolCallsByName) {
		sb.WriteString(fmt.Sprintf("chat_tool_calls_total{tool=\"%s\"} %d\n", name, snap.ToolCallsByName[name]))
	}
	sb.WriteString("\n")

	// Token usage
	sb.WriteString("# HELP chat_prompt_tokens_total Total prompt tokens sent to models\n")
	sb.WriteString("# TYPE chat_prompt_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("chat_prompt_tokens_total %d\n", snap.TotalPromptTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_completion_tokens_total Total completion tokens generated by models\n")
	sb.WriteString("# TYPE chat_completion_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("chat_completion_tokens_total %d\n", snap.TotalCompletionTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP chat_tokens_by_model_total Total tokens by model\n")
	sb.WriteString("# TYPE chat_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		sb.WriteString(fmt.Sprintf("chat_tokens_by_model_total{model=\"%s\"} %d\n", model, snap.TokensByModel[model]))
	}
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
