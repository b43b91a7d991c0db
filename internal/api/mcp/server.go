package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/engine"
	"github.com/scrypster/helixmcp/internal/router"
)

// toolDispatcher is the subset of engine.Dispatcher used by the MCP server.
type toolDispatcher interface {
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
	Router() *router.Router
}

// Server implements the Model Context Protocol over any line or request
// oriented transport. It holds no per-client state and is safe for
// concurrent use.
type Server struct {
	dispatcher toolDispatcher
	tools      []MCPTool
	resources  *resourceSet
	info       MCPServerInfo
	logger     *zap.Logger
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) {
		s.info = MCPServerInfo{Name: name, Version: version}
	}
}

// WithLogger sets the server logger. Logs must never go to stdout when the
// stdio transport is used.
func WithLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a server exposing the dispatcher's routing table as MCP
// tools and its catalogue as resources.
func NewServer(d toolDispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher: d,
		info:       MCPServerInfo{Name: "helix-mcp", Version: "dev"},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := d.Router()
	for _, t := range r.Tools() {
		s.tools = append(s.tools, MCPTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	s.resources = newResourceSet(r.Catalog())
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// Notifications (requests without an id) yield a nil response.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
		s.logger.Debug("notification", zap.String("method", req.Method))
		return nil, nil
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result, err = s.handleInitialize(ctx, req.Params)
	case "initialized", "notifications/initialized":
		result = map[string]interface{}{}
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: s.tools}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	case "resources/list":
		result = MCPResourcesListResult{Resources: s.resources.list()}
	case "resources/read":
		var p MCPResourceReadParams
		if err := s.unmarshalParams(req.Params, &p); err != nil {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
		}
		content, ok := s.resources.read(p.URI)
		if !ok {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, fmt.Sprintf("unknown resource: %s", p.URI), nil)
		}
		result = MCPResourceReadResult{Contents: []MCPResourceContent{content}}
	default:
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if err != nil {
		return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
	}

	return s.successResponse(req.ID, result)
}

// handleInitialize handles the MCP initialize handshake.
func (s *Server) handleInitialize(_ context.Context, params interface{}) (interface{}, error) {
	var p MCPInitializeParams
	if params != nil {
		if err := s.unmarshalParams(params, &p); err != nil {
			return nil, err
		}
	}
	s.logger.Info("client connected",
		zap.String("client", p.ClientInfo.Name),
		zap.String("client_version", p.ClientInfo.Version),
		zap.String("protocol", p.ProtocolVersion))

	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: MCPServerCapabilities{
			Tools:     &MCPToolsCapability{},
			Resources: &MCPResourcesCapability{},
		},
		ServerInfo:   s.info,
		Instructions: "Business and customer memories stored in HelixDB. Read " + URIMemoryTypes + " for the memory types and their fields.",
	}, nil
}

// handleToolsCall runs a tools/call request through the dispatcher and wraps
// the result in the MCP content envelope. Tool failures are reported in the
// envelope with isError set, not as JSON-RPC errors.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := s.unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("tools/call requires a tool name")
	}

	result, err := s.dispatcher.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		s.logger.Debug("tool call failed", zap.String("tool", p.Name), zap.Error(err))
		return toolError(err), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

// toolError renders err as {"error": {code, message, retryable, fields}}.
func toolError(err error) *MCPToolCallResult {
	body := struct {
		Error engine.ErrorBody `json:"error"`
	}{Error: engine.Describe(err)}

	text, mErr := json.Marshal(body)
	if mErr != nil {
		// Fields may hold values that do not encode; drop them.
		body.Error.Fields = nil
		text, _ = json.Marshal(body)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
		IsError: true,
	}
}

// unmarshalParams unmarshals JSON-RPC parameters into a typed struct.
func (s *Server) unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal params: %w", err)
	}

	return nil
}

// successResponse creates a JSON-RPC success response.
func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	return json.Marshal(resp)
}

// errorResponse creates a JSON-RPC error response.
func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	return json.Marshal(resp)
}
