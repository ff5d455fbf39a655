// Package mcp exposes chorus sessions as Model Context Protocol tools, so an
// agent host can drive the engine the same way the HTTP API does.
//
// Tools:
//   - "send_message" runs one user message through a session.
//   - "draw" draws a spread on request.
//   - "list_voices" returns the living voices of a session.
//   - "kill_voice" ends a living voice.
//
// Every tool answers with the JSON encoding of its result as text content.
// Engine failures come back as tool errors rather than protocol errors.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/chorus/internal/orchestrator"
	"github.com/MrWong99/chorus/internal/participation"
	"github.com/MrWong99/chorus/internal/voice"
)

// Sessions resolves and drives sessions by id.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*orchestrator.Orchestrator, error)
	ProcessMessage(ctx context.Context, sessionID, text string) (*orchestrator.Result, error)
}

type sessionArgs struct {
	Session string `json:"session,omitempty" jsonschema:"session id; sessions open on first use"`
}

type messageArgs struct {
	Session string `json:"session,omitempty" jsonschema:"session id; sessions open on first use"`
	Text    string `json:"text,omitempty" jsonschema:"the user message"`
}

type drawArgs struct {
	Session string `json:"session,omitempty" jsonschema:"session id"`
	Spread  string `json:"spread,omitempty" jsonschema:"single, three or five; default single"`
}

type killArgs struct {
	Session string `json:"session,omitempty" jsonschema:"session id"`
	Voice   string `json:"voice,omitempty" jsonschema:"voice id"`
	Reason  string `json:"reason,omitempty" jsonschema:"recorded in the death log"`
}

// NewServer builds an MCP server with the session tools registered.
func NewServer(sessions Sessions, version string) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "chorus", Version: version}, nil)
	t := &tools{sessions: sessions}

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "send_message",
		Description: "Process one user message and return the voices' reactions.",
	}, t.sendMessage)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "draw",
		Description: "Draw a tarot spread from the living voices.",
	}, t.draw)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "list_voices",
		Description: "List the living voices of the session with their state and influence.",
	}, t.listVoices)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "kill_voice",
		Description: "End a living voice.",
	}, t.killVoice)
	return s
}

// Handler serves s over the streamable HTTP transport.
func Handler(s *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s }, nil)
}

type tools struct {
	sessions Sessions
}

func (t *tools) sendMessage(ctx context.Context, _ *mcpsdk.CallToolRequest, in messageArgs) (*mcpsdk.CallToolResult, any, error) {
	if in.Session == "" || in.Text == "" {
		return toolError("session and text are required"), nil, nil
	}
	res, err := t.sessions.ProcessMessage(ctx, in.Session, in.Text)
	if err != nil {
		return toolError(err.Error()), nil, nil
	}
	return jsonResult(res)
}

func (t *tools) draw(ctx context.Context, _ *mcpsdk.CallToolRequest, in drawArgs) (*mcpsdk.CallToolResult, any, error) {
	spread := participation.SpreadSingle
	if in.Spread != "" {
		spread = participation.Spread(in.Spread)
	}
	if !spread.IsValid() {
		return toolError(fmt.Sprintf("unknown spread %q", in.Spread)), nil, nil
	}
	orch, err := t.get(ctx, in.Session)
	if err != nil {
		return toolError(err.Error()), nil, nil
	}
	reading, err := orch.ManualDraw(ctx, spread)
	if err != nil {
		return toolError(err.Error()), nil, nil
	}
	if reading == nil {
		return toolError("no living voice to draw"), nil, nil
	}
	return jsonResult(reading)
}

func (t *tools) listVoices(ctx context.Context, _ *mcpsdk.CallToolRequest, in sessionArgs) (*mcpsdk.CallToolResult, any, error) {
	orch, err := t.get(ctx, in.Session)
	if err != nil {
		return toolError(err.Error()), nil, nil
	}
	voices := orch.Voices()
	if voices == nil {
		voices = []voice.Voice{}
	}
	return jsonResult(voices)
}

func (t *tools) killVoice(ctx context.Context, _ *mcpsdk.CallToolRequest, in killArgs) (*mcpsdk.CallToolResult, any, error) {
	orch, err := t.get(ctx, in.Session)
	if err != nil {
		return toolError(err.Error()), nil, nil
	}
	ok, err := orch.KillVoice(ctx, in.Voice, in.Reason)
	if err != nil {
		return toolError(err.Error()), nil, nil
	}
	if !ok {
		return toolError(fmt.Sprintf("no living voice %q", in.Voice)), nil, nil
	}
	return jsonResult(map[string]string{"killed": in.Voice})
}

func (t *tools) get(ctx context.Context, id string) (*orchestrator.Orchestrator, error) {
	if id == "" {
		return nil, fmt.Errorf("session is required")
	}
	return t.sessions.Get(ctx, id)
}

func jsonResult(v any) (*mcpsdk.CallToolResult, any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp: encode result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, nil, nil
}

func toolError(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}
