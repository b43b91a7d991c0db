package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/config"
	"github.com/scrypster/helixmcp/internal/logging"
	"github.com/scrypster/helixmcp/internal/notify"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// isolate points the journal at a temp dir and the backend at url.
func isolate(t *testing.T, url string) {
	t.Helper()
	t.Setenv("HELIX_ENDPOINT", url)
	t.Setenv("HELIX_MCP_JOURNAL_DATA_PATH", t.TempDir())
	t.Setenv("HELIX_MCP_LOG_LEVEL", "error")
}

func backend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, want := range []string{"helix-mcp", "serve", "check", "repair", "catalog", "version", "--config", "--transport"} {
		assert.Contains(t, out, want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "helix-mcp dev")
}

func TestCatalogCommand_MatchesEmbeddedCatalogue(t *testing.T) {
	out, err := execute(t, "catalog")
	require.NoError(t, err)

	generated, err := catalog.Parse([]byte(out))
	require.NoError(t, err)
	assert.Empty(t, catalog.Diff(generated, catalog.MustLoad()))
}

func TestCheckCommand_Healthy(t *testing.T) {
	isolate(t, backend(t).URL)

	out, err := execute(t, "check")
	require.NoError(t, err, out)
	assert.Contains(t, out, "routing     ok")
	assert.Contains(t, out, "catalogue   ok")
	assert.Contains(t, out, "backend     ok")
}

func TestCheckCommand_BackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	isolate(t, url)

	out, err := execute(t, "check")
	assert.Error(t, err)
	assert.Contains(t, out, "backend     unreachable")
}

func TestCheckCommand_MissingConfigFile(t *testing.T) {
	_, err := execute(t, "check", "--config", "/nonexistent/mcpconfig.yaml")
	assert.Error(t, err)
}

func TestServeCommand_RejectsUnknownTransport(t *testing.T) {
	isolate(t, backend(t).URL)

	_, err := execute(t, "serve", "--transport", "carrier-pigeon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.transport")
}

func TestRepairCommand_Validation(t *testing.T) {
	isolate(t, backend(t).URL)

	_, err := execute(t, "repair", "--kind", "spaceship")
	assert.ErrorContains(t, err, "unknown memory type")

	_, err = execute(t, "repair", "--limit", "0")
	assert.ErrorContains(t, err, "--limit")

	t.Setenv("HELIX_MCP_JOURNAL_ENGINE", "none")
	_, err = execute(t, "repair")
	assert.ErrorContains(t, err, "journal")
}

func TestRepairCommand_EmptyJournal(t *testing.T) {
	isolate(t, backend(t).URL)

	out, err := execute(t, "repair", "--kind", "product")
	require.NoError(t, err)
	assert.Contains(t, out, "repaired 0, obsolete 0, failed 0")
}

func TestNewApp_WiresServer(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Engine = "none"
	cfg.Journal.DataPath = t.TempDir()

	a, err := newApp(cfg, logging.Nop())
	require.NoError(t, err)
	defer a.Close() //nolint:errcheck

	resp, err := a.mcp.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), "create_business_memory")
	assert.Nil(t, a.embedder)

	_, isMulti := a.publisher().(notify.Multi)
	assert.True(t, isMulti, "stdio servers also write event files")

	cfg.Server.Transport = "http"
	assert.Equal(t, notify.Publisher(a.hub), a.publisher())
}

func TestNewApp_ClientSideEmbeddingNeedsKey(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Engine = "none"
	cfg.Embedding.Mode = "mcp"
	cfg.Embedding.Provider = "openai"
	cfg.Embedding.APIKey = ""

	_, err := newApp(cfg, logging.Nop())
	assert.ErrorContains(t, err, "api key")
}
