// Package events defines the turn.v1 event protocol and the per-turn
// emitter that fans events out to subscribers.
package events

// Protocol is the wire protocol identifier stamped on every event.
const Protocol = "turn.v1"

// Event types.
const (
	TurnStart            = "turn_start"
	TurnEndOK            = "turn_end_ok"
	TurnEndError         = "turn_end_error"
	NodeStart            = "node_start"
	NodeEnd              = "node_end"
	AssistantStreamStart = "assistant_stream_start"
	AssistantDelta       = "assistant_delta"
	AssistantStreamEnd   = "assistant_stream_end"
	DeltaThinking        = "delta_thinking"
	Log                  = "log"
	ToolCall             = "tool_call"
	ToolResult           = "tool_result"
	WorldCommit          = "world_commit"
	Overflow             = "overflow"
)

// Turn end reasons.
const (
	ReasonCancelled = "cancelled"
	ReasonDeadline  = "deadline"
	ReasonTransport = "transport"
	ReasonInternal  = "internal"
)

// droppable holds the event types a congested subscriber may lose.
// Everything else is essential and survives overflow.
var droppable = map[string]bool{
	DeltaThinking:  true,
	AssistantDelta: true,
	Log:            true,
}

// Droppable reports whether an event type may be discarded under
// subscriber overflow.
func Droppable(eventType string) bool {
	return droppable[eventType]
}

// TurnEvent is one event on the turn stream.
type TurnEvent struct {
	Protocol string `json:"protocol"`
	Seq      int    `json:"seq"`
	TurnID   string `json:"turn_id"`
	Type     string `json:"type"`
	TS       string `json:"ts"`
	Payload  any    `json:"payload"`
}

// ============================================================================
// Payloads
// ============================================================================

type TurnStartPayload struct {
	UserText string `json:"user_text"`
	NowISO   string `json:"now_iso"`
	Timezone string `json:"timezone"`
}

type TurnSummary struct {
	NodesVisited []string `json:"nodes_visited"`
	DurationMS   int64    `json:"duration_ms"`
}

type TurnEndOKPayload struct {
	Summary TurnSummary `json:"summary"`
}

type TurnEndErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type NodeStartPayload struct {
	StageID string `json:"stage_id"`
	RoleKey string `json:"role_key"`
}

type NodeEndPayload struct {
	StageID    string   `json:"stage_id"`
	OK         bool     `json:"ok"`
	DurationMS int64    `json:"duration_ms"`
	Issues     []string `json:"issues,omitempty"`
}

type AssistantDeltaPayload struct {
	Text string `json:"text"`
}

type AssistantStreamEndPayload struct {
	TextTotal string `json:"text_total"`
}

type DeltaThinkingPayload struct {
	Text string `json:"text"`
}

type LogPayload struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

type ToolCallPayload struct {
	StageID    string `json:"stage_id"`
	Name       string `json:"name"`
	ID         string `json:"id"`
	ArgsDigest string `json:"args_digest"`
}

type ToolErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ToolResultPayload struct {
	StageID    string            `json:"stage_id"`
	Name       string            `json:"name"`
	ID         string            `json:"id"`
	OK         bool              `json:"ok"`
	DurationMS int64             `json:"duration_ms"`
	Bytes      int               `json:"bytes"`
	Error      *ToolErrorPayload `json:"error,omitempty"`
}

type WorldCommitPayload struct {
	Diff WorldDiff `json:"diff"`
}

// WorldDiff mirrors world.Diff field-for-field so event consumers do not
// import the world package.
type WorldDiff struct {
	Added   map[string]any `json:"added"`
	Removed map[string]any `json:"removed"`
	Changed map[string]any `json:"changed"`
}

type OverflowPayload struct {
	Dropped int `json:"dropped"`
}
