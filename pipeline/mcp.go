package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taxway/regtruth/kit"
	"github.com/taxway/regtruth/regstore"
)

// RegisterMCP registers the regulatory tools on an MCP server. The tool
// surface is read-mostly: evaluation, rule inspection with citations, and
// release verification. Approval stays on the HTTP surface where the
// reviewer identity is authenticated.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerEvaluate(srv)
	s.registerListRules(srv)
	s.registerGetRule(srv)
	s.registerListConflicts(srv)
	s.registerListReleases(srv)
	s.registerVerifyRelease(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (s *Service) registerEvaluate(srv *mcp.Server) {
	type req struct {
		Context map[string]any `json:"context"`
	}

	tool := &mcp.Tool{
		Name:        "regtruth_evaluate",
		Description: "Evaluate the published rule set against a context and return applicable rules with citations",
		InputSchema: inputSchema(map[string]any{
			"context": map[string]any{"type": "object", "description": "Evaluation context: date, region, entity_type, amount..."},
		}, []string{"context"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.Evaluate(ctx, p.Context)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerListRules(srv *mcp.Server) {
	type req struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "regtruth_list_rules",
		Description: "List rules by status",
		InputSchema: inputSchema(map[string]any{
			"status": map[string]any{"type": "string", "description": "Rule status: draft, pending_review, approved, published, rejected, deprecated"},
			"limit":  map[string]any{"type": "integer", "description": "Max results"},
		}, []string{"status"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.store.ListRulesByStatus(ctx, regstore.RuleStatus(p.Status), p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerGetRule(srv *mcp.Server) {
	type req struct {
		RuleID string `json:"rule_id"`
	}

	tool := &mcp.Tool{
		Name:        "regtruth_get_rule",
		Description: "Get a rule with its source citations (quote, URL, fetch time)",
		InputSchema: inputSchema(map[string]any{
			"rule_id": map[string]any{"type": "string"},
		}, []string{"rule_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		rule, err := s.store.GetRule(ctx, p.RuleID)
		if err != nil {
			return nil, err
		}
		if rule == nil {
			return nil, errors.New("rule not found")
		}
		citations, err := s.Citations(ctx, p.RuleID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rule": rule, "citations": citations}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerListConflicts(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "regtruth_list_conflicts",
		Description: "List open conflicts awaiting arbitration",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.store.ListOpenConflicts(ctx, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerListReleases(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "regtruth_list_releases",
		Description: "List published releases, newest first",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return s.store.ListReleases(ctx, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (s *Service) registerVerifyRelease(srv *mcp.Server) {
	type req struct {
		ReleaseID string `json:"release_id"`
	}

	tool := &mcp.Tool{
		Name:        "regtruth_verify_release",
		Description: "Recompute a release's bundle hash and report whether the stored rules still match it",
		InputSchema: inputSchema(map[string]any{
			"release_id": map[string]any{"type": "string"},
		}, []string{"release_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		ok, err := s.VerifyRelease(ctx, p.ReleaseID)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"valid": ok}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
