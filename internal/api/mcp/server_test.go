package mcp_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/api/mcp"
	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/consistency"
	"github.com/scrypster/helixmcp/internal/engine"
	"github.com/scrypster/helixmcp/internal/helix/helixtest"
	"github.com/scrypster/helixmcp/internal/router"
	"github.com/scrypster/helixmcp/internal/session"
)

// rpcResponse mirrors JSONRPCResponse with a raw result for typed decoding.
type rpcResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Result  json.RawMessage   `json:"result"`
	Error   *mcp.JSONRPCError `json:"error"`
}

func newTestServer(t *testing.T) (*mcp.Server, *helixtest.Fake) {
	t.Helper()
	r, err := router.New(catalog.MustLoad(), router.ModeHelixDB)
	require.NoError(t, err)

	fake := helixtest.New()
	reg := session.NewRegistry(fake)
	coord := consistency.New(fake, consistency.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond})
	d := engine.New(r, reg, coord, fake)
	return mcp.NewServer(d, mcp.WithServerInfo("helix-mcp", "test")), fake
}

func request(t *testing.T, id any, method string, params any) []byte {
	t.Helper()
	data, err := json.Marshal(mcp.JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	require.NoError(t, err)
	return data
}

func handle(t *testing.T, srv *mcp.Server, raw []byte) rpcResponse {
	t.Helper()
	out, err := srv.HandleRequest(context.Background(), raw)
	require.NoError(t, err)
	require.NotNil(t, out)

	var resp rpcResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, "2.0", resp.JSONRPC)
	return resp
}

func callTool(t *testing.T, srv *mcp.Server, name string, args map[string]any) mcp.MCPToolCallResult {
	t.Helper()
	resp := handle(t, srv, request(t, 7, "tools/call", mcp.MCPToolCallParams{Name: name, Arguments: args}))
	require.Nil(t, resp.Error)

	var result mcp.MCPToolCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	return result
}

func TestHandleRequest_Initialize(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := handle(t, srv, request(t, 1, "initialize", mcp.MCPInitializeParams{
		ProtocolVersion: mcp.ProtocolVersion,
		ClientInfo:      mcp.MCPClientInfo{Name: "client", Version: "1.0"},
	}))
	require.Nil(t, resp.Error)
	assert.Equal(t, float64(1), resp.ID)

	var result mcp.MCPInitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, mcp.ProtocolVersion, result.ProtocolVersion)
	assert.Equal(t, "helix-mcp", result.ServerInfo.Name)
	assert.Equal(t, "test", result.ServerInfo.Version)
	assert.NotNil(t, result.Capabilities.Tools)
	assert.NotNil(t, result.Capabilities.Resources)
	assert.Contains(t, result.Instructions, mcp.URIMemoryTypes)
}

func TestHandleRequest_ToolsList(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := handle(t, srv, request(t, "a", "tools/list", nil))
	require.Nil(t, resp.Error)
	assert.Equal(t, "a", resp.ID)

	var result mcp.MCPToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))

	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.NotNil(t, tool.InputSchema, tool.Name)
	}
	for _, want := range []string{
		"create_business_memory", "update_business_memory", "query_business_memory",
		"search_bm25", "search_hybrid", "delete_memory", "do_query", "init", "next", "collect", "close",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

func TestHandleRequest_ToolsCallSuccess(t *testing.T) {
	srv, fake := newTestServer(t)

	result := callTool(t, srv, "create_business_memory", map[string]any{
		"memory_type": "product",
		"data": map[string]any{
			"business_id": "BIZ_1", "product_id": "PROD_1", "product_name": "Burr Grinder", "price": 149,
		},
	})
	assert.False(t, result.IsError)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "product", body["memory_type"])
	assert.Equal(t, "PROD_1", body["id"])

	_, ok := fake.Node("PROD_1")
	assert.True(t, ok)
}

func TestHandleRequest_ToolsCallErrorIsReportedInEnvelope(t *testing.T) {
	srv, fake := newTestServer(t)

	result := callTool(t, srv, "no_such_tool", map[string]any{})
	assert.True(t, result.IsError)

	var body struct {
		Error engine.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &body))
	assert.Equal(t, "router.tool.unsupported", body.Error.Code)
	assert.False(t, body.Error.Retryable)
	assert.Contains(t, body.Error.Message, "no_such_tool")
	assert.Empty(t, fake.Calls())
}

func TestHandleRequest_ToolsCallBackendFailureIsRetryable(t *testing.T) {
	srv, fake := newTestServer(t)
	fake.Fail("get_business_products", helixtest.Unavailable("get_business_products"), 10)

	result := callTool(t, srv, "query_business_memory", map[string]any{
		"memory_type": "product", "business_id": "BIZ_1",
	})
	assert.True(t, result.IsError)

	var body struct {
		Error engine.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &body))
	assert.Equal(t, "backend.upstream.unavailable", body.Error.Code)
	assert.True(t, body.Error.Retryable)
}

func TestHandleRequest_ToolsCallRequiresName(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := handle(t, srv, request(t, 3, "tools/call", map[string]any{"arguments": map[string]any{}}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleRequest_Resources(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := handle(t, srv, request(t, 4, "resources/list", nil))
	require.Nil(t, resp.Error)
	var list mcp.MCPResourcesListResult
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	require.Len(t, list.Resources, 2)
	assert.Equal(t, mcp.URIMemoryTypes, list.Resources[0].URI)
	assert.Equal(t, mcp.URIQueries, list.Resources[1].URI)

	resp = handle(t, srv, request(t, 5, "resources/read", mcp.MCPResourceReadParams{URI: mcp.URIMemoryTypes}))
	require.Nil(t, resp.Error)
	var read mcp.MCPResourceReadResult
	require.NoError(t, json.Unmarshal(resp.Result, &read))
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "text/markdown", read.Contents[0].MimeType)
	assert.Contains(t, read.Contents[0].Text, "### product")
	assert.Contains(t, read.Contents[0].Text, "generated as `BHV_<uuid>`")

	resp = handle(t, srv, request(t, 6, "resources/read", mcp.MCPResourceReadParams{URI: mcp.URIQueries}))
	require.Nil(t, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, &read))
	assert.Contains(t, read.Contents[0].Text, "get_business_products")
}

func TestHandleRequest_UnknownResource(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := handle(t, srv, request(t, 8, "resources/read", mcp.MCPResourceReadParams{URI: "helix://nope"}))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrCodeInvalidParams, resp.Error.Code)
}

func TestHandleRequest_ProtocolErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		raw  []byte
		code int
	}{
		{"parse error", []byte(`{not json`), mcp.ErrCodeParseError},
		{"wrong version", []byte(`{"jsonrpc":"1.0","id":1,"method":"ping"}`), mcp.ErrCodeInvalidRequest},
		{"unknown method", []byte(`{"jsonrpc":"2.0","id":1,"method":"prompts/list"}`), mcp.ErrCodeMethodNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(t, srv, tt.raw)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHandleRequest_Ping(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := handle(t, srv, request(t, 9, "ping", nil))
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result))
}

func TestHandleRequest_NotificationHasNoResponse(t *testing.T) {
	srv, _ := newTestServer(t)

	out, err := srv.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	require.NoError(t, err)
	assert.Nil(t, out)
}
