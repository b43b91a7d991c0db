package helix_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/helix"
	"github.com/scrypster/helixmcp/internal/helix/helixtest"
	"github.com/scrypster/helixmcp/internal/metrics"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

func newClient(t *testing.T, url string, opts ...helix.Option) *helix.Client {
	t.Helper()
	return helix.New(helix.Config{
		BaseURL:         url,
		Timeout:         2 * time.Second,
		RetryInterval:   time.Millisecond,
		BreakerFailures: 3,
		BreakerTimeout:  time.Hour,
	}, opts...)
}

func TestExecute_PostsJSONToQueryPath(t *testing.T) {
	var gotPath, gotType string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		_, _ = w.Write([]byte(`{"products":[{"product_id":"P1"},{"product_id":"P2"}]}`))
	}))
	defer srv.Close()

	res, err := newClient(t, srv.URL).Execute(context.Background(), "get_business_products",
		map[string]any{"business_id": "BIZ_1"})
	require.NoError(t, err)

	assert.Equal(t, "/get_business_products", gotPath)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "BIZ_1", gotBody["business_id"])
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "P2", res.Rows[1]["product_id"])
}

func TestNormalizeRows(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []map[string]any
	}{
		{"array of objects", `[{"a":1},{"a":2}]`, []map[string]any{{"a": 1.0}, {"a": 2.0}}},
		{"single array field", `{"items":[{"a":1}]}`, []map[string]any{{"a": 1.0}}},
		{"single object field", `{"product":{"a":1}}`, []map[string]any{{"a": 1.0}}},
		{"plain object", `{"a":1,"b":2}`, []map[string]any{{"a": 1.0, "b": 2.0}}},
		{"scalar", `"success"`, []map[string]any{{"value": "success"}}},
		{"null", `null`, nil},
		{"array of scalars", `[1,2]`, []map[string]any{{"value": 1.0}, {"value": 2.0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := helix.DecodeResult([]byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Rows)
		})
	}

	res, err := helix.DecodeResult(nil)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestExecute_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperrors.Code
	}{
		{"unknown query", http.StatusNotFound, "", apperrors.CodeBackendQueryNotFound},
		{"param mismatch", http.StatusInternalServerError, "Failed to decode request body: missing field `price`", apperrors.CodeBackendDecodeFailure},
		{"missing record", http.StatusInternalServerError, "Graph error: No value found", apperrors.CodeBackendRecordNotFound},
		{"bad gateway", http.StatusBadGateway, "", apperrors.CodeBackendUnavailable},
		{"service unavailable", http.StatusServiceUnavailable, "", apperrors.CodeBackendUnavailable},
		{"duplicate", http.StatusConflict, "duplicate key", apperrors.CodeBackendRejected},
		{"other server error", http.StatusInternalServerError, "storage full", apperrors.CodeBackendRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL).Execute(context.Background(), "get_product", map[string]any{"product_id": "P1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
			fields := apperrors.FieldsOf(err)
			assert.Equal(t, "get_product", fields["query"])
			assert.Equal(t, tt.status, fields["status"])
		})
	}
}

func TestExecute_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"broken`))
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Execute(context.Background(), "get_product", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBackendInvalidResponse))
}

func TestExecute_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Execute(context.Background(), "get_product", nil)
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestExecute_TimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := helix.New(helix.Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Execute(context.Background(), "get_product", nil)
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestBreaker_OpensOnUnavailableOnly(t *testing.T) {
	var hits atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusNotFound)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	ctx := context.Background()

	// Catalogue defects never trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := c.Execute(ctx, "get_widget", nil)
		assert.True(t, apperrors.HasCode(err, apperrors.CodeBackendQueryNotFound))
	}
	assert.Equal(t, "closed", c.BreakerState())

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 3; i++ {
		_, _ = c.Execute(ctx, "get_product", nil)
	}
	assert.Equal(t, "open", c.BreakerState())

	before := hits.Load()
	_, err := c.Execute(ctx, "get_product", nil)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, before, hits.Load(), "open breaker must fail fast")
}

func TestExecuteRead_RetriesUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"product_id":"P1"}]`))
	}))
	defer srv.Close()

	res, err := newClient(t, srv.URL).ExecuteRead(context.Background(), "get_product", nil)
	require.NoError(t, err)
	assert.Equal(t, "P1", res.First()["product_id"])
	assert.Equal(t, int32(3), hits.Load())
}

func TestExecuteRead_DoesNotRetryDefects(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).ExecuteRead(context.Background(), "get_widget", nil)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBackendQueryNotFound))
	assert.Equal(t, int32(1), hits.Load())
}

func TestExecute_RecordsMetrics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/get_widget" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	m := metrics.New()
	c := newClient(t, srv.URL, helix.WithMetrics(m))
	_, _ = c.Execute(context.Background(), "get_product", nil)
	_, _ = c.Execute(context.Background(), "get_widget", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendRequests.WithLabelValues("get_product", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.BackendRequests.WithLabelValues("get_widget", string(apperrors.CodeBackendQueryNotFound))))
}

func TestSessionHelpers_AgainstFakeServer(t *testing.T) {
	fake := helixtest.New()
	fake.AddNode("User", "U1", map[string]any{"name": "ada"})
	fake.AddNode("User", "U2", map[string]any{"name": "grace"})
	srv := helixtest.NewServer(fake)
	defer srv.Close()

	c := newClient(t, srv.URL)
	ctx := context.Background()

	conn, err := helix.Init(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, conn)

	res, err := helix.Step(ctx, c, "mcp/n_from_type", conn, map[string]any{"node_type": "User"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.First()["count"])

	page, err := helix.Collect(ctx, c, conn, &helix.Range{Start: 1, End: 5}, false)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "U2", page.Rows[0]["id"])

	schema, err := helix.SchemaResource(ctx, c, conn)
	require.NoError(t, err)
	assert.Equal(t, []any{"User"}, schema.First()["nodes"])

	require.NoError(t, helix.Reset(ctx, c, conn))
	assert.Empty(t, fake.Pending(conn))

	_, err = helix.Step(ctx, c, "mcp/n_from_type", conn, map[string]any{"node_type": "User", "extra": 1})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeBackendDecodeFailure))
}

func TestInit_BareStringAndObject(t *testing.T) {
	for _, body := range []string{`"c-1"`, `{"connection_id":"c-1"}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		conn, err := helix.Init(context.Background(), newClient(t, srv.URL))
		srv.Close()
		require.NoError(t, err, body)
		assert.Equal(t, "c-1", conn)
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	assert.NoError(t, newClient(t, srv.URL).Ping(context.Background()))

	srv.Close()
	assert.True(t, apperrors.IsUnavailable(newClient(t, srv.URL).Ping(context.Background())))
}

func TestCollect_RetriesRangedReadsOnly(t *testing.T) {
	hits := map[string]*atomic.Int32{}
	for _, key := range []string{"range", "drop", "next"} {
		hits[key] = new(atomic.Int32)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Drop bool `json:"drop"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		key := "range"
		switch {
		case r.URL.Path == "/mcp/next":
			key = "next"
		case body.Drop:
			key = "drop"
		}
		if hits[key].Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"U1"}]`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL)
	ctx := context.Background()

	page, err := helix.Collect(ctx, c, "c-1", &helix.Range{Start: 0, End: 10}, false)
	require.NoError(t, err)
	assert.Len(t, page.Rows, 1)
	assert.Equal(t, int32(2), hits["range"].Load())

	_, err = helix.Collect(ctx, c, "c-1", nil, true)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, int32(1), hits["drop"].Load())

	_, err = helix.Next(ctx, c, "c-1")
	assert.True(t, apperrors.IsUnavailable(err))
	assert.Equal(t, int32(1), hits["next"].Load())
}

func TestExecute_CanceledContextIsUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(t, srv.URL).Execute(ctx, "get_product", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBackendUnavailable, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, hits.Load())
}

func TestExecute_DetailKeepsValidUTF8(t *testing.T) {
	// 511 ASCII bytes followed by a two-byte rune straddling the cut.
	body := strings.Repeat("a", 511) + "é and more"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL).Execute(context.Background(), "add_product", nil)
	require.Error(t, err)

	detail, _ := apperrors.FieldsOf(err)["detail"].(string)
	assert.True(t, utf8.ValidString(detail))
	assert.Equal(t, strings.Repeat("a", 511), detail)
}
