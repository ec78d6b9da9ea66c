package main

import (
	"context"
	"io"

	"github.com/basket/agentcored/internal/executor"
)

// echoModel is the fallback model client used when no provider is wired. It
// answers every message with a single text event and never requests tools,
// so tasks settle at input-required.
type echoModel struct{}

type echoStream struct {
	events []executor.Event
	i      int
}

func (s *echoStream) Next(context.Context) (executor.Event, error) {
	if s.i >= len(s.events) {
		return executor.Event{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

func (echoModel) SendMessage(_ context.Context, _ string, parts []executor.Part) (executor.EventStream, error) {
	text := ""
	for _, p := range parts {
		if p.Kind == "text" {
			text = p.Text
			break
		}
	}
	return &echoStream{events: []executor.Event{
		{Kind: executor.EventText, Text: "echo: " + text},
	}}, nil
}

func (echoModel) SendToolResults(context.Context, string, []executor.ToolResult) (executor.EventStream, error) {
	return &echoStream{}, nil
}

// noTools rejects nothing and runs nothing; the echo model never schedules
// tool calls against it.
type noTools struct{}

func (noTools) Schedule(context.Context, []executor.ToolCallRequest) error { return nil }
func (noTools) WaitForPending(context.Context) error                       { return nil }
func (noTools) GetAndClearCompleted() []executor.ToolResult                { return nil }
func (noTools) CancelPending(string)                                       {}
