package worker

import "strings"

// Routing markers emitted by agents inside response content.
const (
	// routeToPrefix at the start of a response hands the turn to another
	// agent. The remainder of the first line is the target agent id.
	routeToPrefix = "ROUTE_TO:"

	// taskCompleteMarker on its own line signals the specialist agent is
	// done and the session should return to the routing agent.
	taskCompleteMarker = "task_complete_return_to_router"
)

// routingSignal is the parsed control content of one agent response.
type routingSignal struct {
	// RouteTo is the agent the turn should be rerouted to, if any.
	RouteTo string
	// TaskComplete reports the session should fall back to the routing
	// agent for the next turn.
	TaskComplete bool
	// Content is the response text with routing markers stripped.
	Content string
}

// parseRoutingSignal extracts routing markers from agent response content.
func parseRoutingSignal(content string) routingSignal {
	sig := routingSignal{Content: content}

	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, routeToPrefix) {
		rest := trimmed[len(routeToPrefix):]
		var remainder string
		if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
			remainder = strings.TrimSpace(rest[idx+1:])
			rest = rest[:idx]
		}
		sig.RouteTo = strings.TrimSpace(rest)
		sig.Content = remainder
		return sig
	}

	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == taskCompleteMarker {
			sig.TaskComplete = true
			continue
		}
		kept = append(kept, line)
	}
	if sig.TaskComplete {
		sig.Content = strings.TrimSpace(strings.Join(kept, "\n"))
	}
	return sig
}
