package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/kalpana/sdk/go/kalpana"
)

// SubmitInput defines parameters for the submit_action tool.
type SubmitInput struct {
	Action string            `json:"action" jsonschema:"action kind, e.g. read_file or restart_network"`
	Params map[string]string `json:"params,omitempty" jsonschema:"action parameters, e.g. path, unit, command"`
	Wait   bool              `json:"wait,omitempty" jsonschema:"when the core requires confirmation, wait for the operator instead of returning pending"`
}

// ActionOutput is a core response as seen by the model.
type ActionOutput struct {
	Status        string         `json:"status"`
	Result        map[string]any `json:"result,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// EmptyInput is for tools without parameters.
type EmptyInput struct{}

func toOutput(r kalpana.Response) ActionOutput {
	return ActionOutput{
		Status:        r.Status,
		Result:        r.Result,
		Reason:        r.Reason,
		ErrorKind:     r.ErrorKind,
		CorrelationID: r.CorrelationID,
	}
}

func errorResult(out ActionOutput) *mcpsdk.CallToolResult {
	msg := out.Status
	if out.Reason != "" {
		msg = fmt.Sprintf("%s: %s", out.Status, out.Reason)
	}
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}

func (s *Server) call(ctx context.Context, action string, params map[string]string) (kalpana.Response, error) {
	c, err := s.session(ctx)
	if err != nil {
		return kalpana.Response{}, err
	}
	return c.Do(ctx, action, params)
}

func (s *Server) handleSubmit(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, ActionOutput, error) {
	if input.Action == "" {
		return nil, ActionOutput{}, fmt.Errorf("action is required")
	}
	resp, err := s.call(ctx, input.Action, input.Params)
	if err != nil {
		return nil, ActionOutput{}, err
	}

	if resp.Status == kalpana.StatusPending && input.Wait {
		c, err := s.session(ctx)
		if err != nil {
			return nil, ActionOutput{}, err
		}
		actx, cancel := context.WithTimeout(ctx, s.cfg.AwaitTimeout)
		defer cancel()
		final, err := c.Await(actx, resp.CorrelationID)
		if err != nil {
			out := toOutput(resp)
			out.Reason = fmt.Sprintf("still awaiting operator confirmation: %v", err)
			return nil, out, nil
		}
		resp = final
	}

	out := toOutput(resp)
	switch resp.Status {
	case kalpana.StatusOK, kalpana.StatusPending:
		return nil, out, nil
	default:
		return errorResult(out), out, nil
	}
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, ActionOutput, error) {
	resp, err := s.call(ctx, "status", nil)
	if err != nil {
		return nil, ActionOutput{}, err
	}
	out := toOutput(resp)
	if resp.Status != kalpana.StatusOK {
		return errorResult(out), out, nil
	}
	return nil, out, nil
}

func (s *Server) handleExplainLast(ctx context.Context, req *mcpsdk.CallToolRequest, _ EmptyInput) (*mcpsdk.CallToolResult, ActionOutput, error) {
	resp, err := s.call(ctx, "explain_last", nil)
	if err != nil {
		return nil, ActionOutput{}, err
	}
	out := toOutput(resp)
	if resp.Status != kalpana.StatusOK {
		return errorResult(out), out, nil
	}
	return nil, out, nil
}
