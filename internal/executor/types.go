// Package executor runs the turn-based agent loop for a task: send a message
// to the model, stream its events, run the tool calls it requests, feed the
// results back, repeat until the model stops asking for tools or the task is
// canceled. The model client and tool scheduler are external collaborators
// behind narrow interfaces.
package executor

import "context"

// Part is one piece of a message sent to the model.
type Part struct {
	Kind string         `json:"kind"` // "text" or "data"
	Text string         `json:"text,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a plain text message part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// Event kinds produced by a model event stream.
const (
	EventText            = "text"
	EventThought         = "thought"
	EventStateChange     = "stateChange"
	EventToolCallRequest = "toolCallRequest"
)

// Event is one item on a model event stream.
type Event struct {
	Kind     string
	Text     string           // text and thought events
	State    string           // stateChange events
	Message  string           // stateChange detail
	ToolCall *ToolCallRequest // toolCallRequest events
}

// ToolCallRequest asks the scheduler to run one tool.
type ToolCallRequest struct {
	CallID string         `json:"callId"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
}

// ToolResult is the outcome of one scheduled tool call.
type ToolResult struct {
	CallID   string `json:"callId"`
	Name     string `json:"name"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Canceled bool   `json:"canceled"`
}

// EventStream delivers one model turn. Next returns io.EOF when the turn is
// over.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
}

// ModelClient is the conversation surface of the model provider.
type ModelClient interface {
	SendMessage(ctx context.Context, taskID string, parts []Part) (EventStream, error)
	SendToolResults(ctx context.Context, taskID string, results []ToolResult) (EventStream, error)
}

// ToolScheduler runs tool calls out of band. Schedule accepts a batch,
// WaitForPending blocks until every scheduled call finished or was canceled,
// and GetAndClearCompleted drains the results accumulated so far.
type ToolScheduler interface {
	Schedule(ctx context.Context, reqs []ToolCallRequest) error
	WaitForPending(ctx context.Context) error
	GetAndClearCompleted() []ToolResult
	CancelPending(reason string)
}
