// Package state defines the per-turn record threaded through every stage.
// The executor owns it; stages mutate only their declared fields.
package state

import (
	"github.com/kadirpekel/thalamus/pkg/events"
	"github.com/kadirpekel/thalamus/pkg/world"
)

// Routes the router may choose.
const (
	RouteContext = "context"
	RouteWorld   = "world"
	RouteDefault = "default"
)

// StageNextRetriever is the only hand-off target the context builder may
// name in Context.Next.
const StageNextRetriever = "memory_retriever"

// Task holds the user's request and the router's classification.
type Task struct {
	// UserText never changes after turn creation.
	UserText string `json:"user_text"`
	Language string `json:"language"`
	Route    string `json:"route"`
}

// EvidencePacket is one entry in the context accumulator.
type EvidencePacket struct {
	Kind  string         `json:"kind"`
	Title string         `json:"title,omitempty"`
	Items []any          `json:"items"`
	Meta  PacketMeta     `json:"meta"`
}

// PacketMeta records which tool produced a packet and when.
type PacketMeta struct {
	Tool       string `json:"tool"`
	TS         string `json:"ts"`
	ArgsDigest string `json:"args_digest"`
}

// Context is the evidence accumulator. Sources is append-only within a
// turn; there is exactly one canonical location for it.
type Context struct {
	Sources  []EvidencePacket `json:"sources"`
	Complete bool             `json:"complete"`
	Issues   []string         `json:"issues"`
	Next     string           `json:"next,omitempty"`

	// MemoryRequest is set by context_builder for the retriever.
	MemoryRequest map[string]any `json:"memory_request,omitempty"`
}

// Final holds the answer, written exactly once by the answer stage.
type Final struct {
	Answer string `json:"answer"`
}

// Reflection is the note reflect_topics leaves for the memory writer.
type Reflection struct {
	TopicsBefore []string `json:"topics_before"`
	TopicsAfter  []string `json:"topics_after"`
}

// Runtime is per-turn metadata. The emitter is a capability, not data:
// it is attached by the executor and detached before the state leaves
// the turn.
type Runtime struct {
	TurnID   string `json:"turn_id"`
	NowISO   string `json:"now_iso"`
	Timezone string `json:"timezone"`

	// Status is a short clarification directive the router may set; a
	// non-empty status short-circuits context gathering.
	Status string `json:"status,omitempty"`

	Issues    []string `json:"issues"`
	NodeTrace []string `json:"node_trace"`

	Reflection *Reflection `json:"reflection,omitempty"`

	emitter *events.Emitter
}

// Turn is the complete per-turn state.
type Turn struct {
	Task    Task         `json:"task"`
	Context Context      `json:"context"`
	Final   Final        `json:"final"`
	World   *world.State `json:"world"`
	Runtime Runtime      `json:"runtime"`
}

// New creates a turn state around a user message and a world snapshot.
func New(turnID, userText, nowISO, timezone string, w *world.State) *Turn {
	return &Turn{
		Task:    Task{UserText: userText, Language: "en", Route: RouteDefault},
		Context: Context{Sources: []EvidencePacket{}, Issues: []string{}},
		World:   w,
		Runtime: Runtime{
			TurnID:    turnID,
			NowISO:    nowISO,
			Timezone:  timezone,
			Issues:    []string{},
			NodeTrace: []string{},
		},
	}
}

// AttachEmitter installs the turn's emitter capability.
func (t *Turn) AttachEmitter(e *events.Emitter) {
	t.Runtime.emitter = e
}

// DetachEmitter removes the capability before the state leaves the turn.
func (t *Turn) DetachEmitter() {
	t.Runtime.emitter = nil
}

// Emitter returns the attached emitter, or nil outside a running turn.
func (t *Turn) Emitter() *events.Emitter {
	return t.Runtime.emitter
}

// AppendSource appends one evidence packet. Existing packets are never
// reordered or rewritten.
func (t *Turn) AppendSource(p EvidencePacket) {
	t.Context.Sources = append(t.Context.Sources, p)
}

// AppendIssue records a turn-level issue.
func (t *Turn) AppendIssue(issue string) {
	t.Runtime.Issues = append(t.Runtime.Issues, issue)
}

// Trace appends one node-trace entry ("<stage>:entered" or
// "<stage>:committed").
func (t *Turn) Trace(entry string) {
	t.Runtime.NodeTrace = append(t.Runtime.NodeTrace, entry)
}
