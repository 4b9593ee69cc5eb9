package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/fcsandbox/internal/apiclient"
	"github.com/michaelbrown/fcsandbox/internal/wire"
)

const maxOutput = 4000

type runner struct {
	api *apiclient.Client
}

func main() {
	r := &runner{api: apiclient.New(os.Getenv("FCSANDBOX_SERVER"))}
	s := server.NewMCPServer("fcsandbox-tool", "0.1.0")

	s.AddTool(mcp.Tool{
		Name:        "sandbox_create",
		Description: "Start a new JavaScript sandbox (a Firecracker micro-VM). Returns its id. Variables defined in one execution stay available to later executions in the same sandbox.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}, r.handleCreate)

	s.AddTool(mcp.Tool{
		Name:        "sandbox_execute",
		Description: "Execute JavaScript in an existing sandbox. Use print() or console.log() to produce output.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": map[string]any{
					"type":        "string",
					"description": "Id returned by sandbox_create",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "JavaScript source to execute",
				},
			},
			Required: []string{"sandbox_id", "code"},
		},
	}, r.handleExecute)

	s.AddTool(mcp.Tool{
		Name:        "sandbox_destroy",
		Description: "Destroy a sandbox and discard its state.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": map[string]any{
					"type":        "string",
					"description": "Id returned by sandbox_create",
				},
			},
			Required: []string{"sandbox_id"},
		},
	}, r.handleDestroy)

	s.AddTool(mcp.Tool{
		Name:        "sandbox_run",
		Description: "Run JavaScript once in a throwaway sandbox that is destroyed afterwards.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "JavaScript source to execute",
				},
			},
			Required: []string{"code"},
		},
	}, r.handleRun)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
	}
}

func (r *runner) handleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := r.api.Create(ctx)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return textResult(id), nil
}

func (r *runner) handleExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	id, _ := args["sandbox_id"].(string)
	code, ok := args["code"].(string)
	if id == "" || !ok {
		return errResult("error: 'sandbox_id' and 'code' are required"), nil
	}

	resp, err := r.api.Execute(ctx, id, code)
	if errors.Is(err, apiclient.ErrNotFound) {
		return errResult(fmt.Sprintf("error: sandbox %s not found; create one with sandbox_create", id)), nil
	}
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return executionResult(resp), nil
}

func (r *runner) handleDestroy(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, _ := getArgs(request)["sandbox_id"].(string)
	if id == "" {
		return errResult("error: 'sandbox_id' is required"), nil
	}
	if err := r.api.Destroy(ctx, id); err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return textResult("destroyed " + id), nil
}

func (r *runner) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, ok := getArgs(request)["code"].(string)
	if !ok {
		return errResult("error: 'code' is required"), nil
	}

	id, err := r.api.Create(ctx)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	defer r.api.Destroy(context.WithoutCancel(ctx), id)

	resp, err := r.api.Execute(ctx, id, code)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}
	return executionResult(resp), nil
}

func executionResult(resp wire.ExecuteResponse) *mcp.CallToolResult {
	text := resp.Output
	if len(text) > maxOutput {
		text = text[:maxOutput] + "\n... (output truncated)"
	}
	if text == "" {
		text = "(no output)"
	}
	if resp.Status != wire.StatusSuccess {
		text = fmt.Sprintf("status: %s\n%s", resp.Status, text)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: resp.Status != wire.StatusSuccess,
	}
}

func getArgs(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return map[string]any{}
	}
	return args
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
