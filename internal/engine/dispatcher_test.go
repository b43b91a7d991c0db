package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/consistency"
	"github.com/scrypster/helixmcp/internal/engine"
	"github.com/scrypster/helixmcp/internal/helix/helixtest"
	"github.com/scrypster/helixmcp/internal/metrics"
	"github.com/scrypster/helixmcp/internal/router"
	"github.com/scrypster/helixmcp/internal/session"
	"github.com/scrypster/helixmcp/pkg/apperrors"
)

var stamp = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

type staticEmbedder struct{}

func (staticEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.5, 0.25, 1}, nil
}
func (staticEmbedder) GetModel() string { return "static" }
func (staticEmbedder) Dimensions() int  { return 3 }

type fixture struct {
	fake    *helixtest.Fake
	metrics *metrics.Metrics
	d       *engine.Dispatcher
}

func newFixture(t *testing.T, mode router.Mode, opts ...engine.Option) *fixture {
	t.Helper()
	r, err := router.New(catalog.MustLoad(), mode)
	require.NoError(t, err)

	fake := helixtest.New()
	m := metrics.New()
	reg := session.NewRegistry(fake, session.WithMetrics(m))
	coord := consistency.New(fake, consistency.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond},
		consistency.WithClock(func() time.Time { return stamp }))

	opts = append([]engine.Option{
		engine.WithMetrics(m),
		engine.WithClock(func() time.Time { return stamp }),
		engine.WithIDGenerator(func() string { return "fixed" }),
	}, opts...)
	return &fixture{fake: fake, metrics: m, d: engine.New(r, reg, coord, fake, opts...)}
}

func (fx *fixture) call(t *testing.T, tool string, args map[string]any) any {
	t.Helper()
	out, err := fx.d.Call(context.Background(), tool, args)
	require.NoError(t, err)
	return out
}

func (fx *fixture) addProduct(id, brand string, price float64) {
	fx.fake.AddNode("BusinessProductMemory", id, map[string]any{
		"product_id": id, "business_id": "BIZ_1", "product_name": "Item " + id,
		"brand": brand, "price": price, "tags": []any{"coffee"},
	})
}

func TestCall_CreateBusinessMemory(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)

	out := fx.call(t, "create_business_memory", map[string]any{
		"memory_type": "product",
		"data": map[string]any{
			"business_id": "BIZ_1", "product_id": "PROD_1", "product_name": "Burr Grinder", "price": 149,
		},
	})

	res, ok := out.(engine.CreateResult)
	require.True(t, ok)
	assert.Equal(t, consistency.StatusSuccess, res.Status)
	assert.Equal(t, "product", res.MemoryType)
	assert.Equal(t, "PROD_1", res.ID)
	assert.NotEmpty(t, res.EmbeddingID)
	assert.Len(t, fx.fake.LinkedEmbeddings("PROD_1"), 1)

	node, ok := fx.fake.Node("PROD_1")
	require.True(t, ok)
	assert.Equal(t, stamp.Format(time.RFC3339), node.Props["created_at"])
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.ToolCalls.WithLabelValues("create_business_memory", "ok")))
}

func TestCall_CreateGeneratesID(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)

	out := fx.call(t, "create_customer_memory", map[string]any{
		"memory_type": "behavior",
		"data":        map[string]any{"customer_id": "CUST_1", "behavior_type": "purchase", "action": "bought beans"},
	})

	res := out.(engine.CreateResult)
	assert.Equal(t, "BHV_fixed", res.ID)
	_, ok := fx.fake.Node("BHV_fixed")
	assert.True(t, ok)
}

func TestCall_UpdateReturnsOutcome(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)
	fx.call(t, "create_business_memory", map[string]any{
		"memory_type": "product",
		"data":        map[string]any{"business_id": "BIZ_1", "product_id": "PROD_1", "product_name": "Burr Grinder"},
	})

	out := fx.call(t, "update_business_memory", map[string]any{
		"memory_type": "product",
		"memory_id":   "PROD_1",
		"updates":     map[string]any{"availability": "sold_out"},
	})

	res, ok := out.(consistency.Outcome)
	require.True(t, ok)
	assert.Equal(t, consistency.StatusSuccess, res.Status)
	node, _ := fx.fake.Node("PROD_1")
	assert.Equal(t, "sold_out", node.Props["availability"])

	linked := fx.fake.LinkedEmbeddings("PROD_1")
	require.Len(t, linked, 1)
	assert.Contains(t, linked[0].Text, "sold_out")
}

func TestCall_Delete(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)
	fx.call(t, "create_business_memory", map[string]any{
		"memory_type": "product",
		"data":        map[string]any{"business_id": "BIZ_1", "product_id": "PROD_1", "product_name": "Burr Grinder"},
	})

	out := fx.call(t, "delete_memory", map[string]any{"memory_type": "product", "memory_id": "PROD_1"})

	assert.Equal(t, engine.DeleteResult{Status: "deleted", MemoryType: "product", ID: "PROD_1"}, out)
	_, ok := fx.fake.Node("PROD_1")
	assert.False(t, ok)
	assert.Zero(t, fx.fake.EmbeddingCount())
}

func TestCall_QueryAppliesFiltersAndLimit(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)
	fx.addProduct("PROD_1", "Baratza", 149)
	fx.addProduct("PROD_2", "Baratza", 49)
	fx.addProduct("PROD_3", "Fellow", 199)
	fx.addProduct("PROD_4", "Baratza", 249)

	tests := []struct {
		name    string
		filters map[string]any
		limit   int
		want    []string
	}{
		{name: "equality", filters: map[string]any{"brand": "Fellow"}, want: []string{"PROD_3"}},
		{name: "lower bound", filters: map[string]any{"brand": "Baratza", "price_gte": 100}, want: []string{"PROD_1", "PROD_4"}},
		{name: "upper bound", filters: map[string]any{"price_lte": 149}, want: []string{"PROD_1", "PROD_2"}},
		{name: "list membership", filters: map[string]any{"tags": "coffee"}, want: []string{"PROD_1", "PROD_2", "PROD_3", "PROD_4"}},
		{name: "limit", filters: map[string]any{"brand": "Baratza"}, limit: 2, want: []string{"PROD_1", "PROD_2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := map[string]any{"memory_type": "product", "business_id": "BIZ_1", "filters": tt.filters}
			if tt.limit > 0 {
				args["limit"] = tt.limit
			}
			res := fx.call(t, "query_business_memory", args).(engine.QueryResult)

			var ids []string
			for _, row := range res.Results {
				ids = append(ids, row["product_id"].(string))
			}
			assert.ElementsMatch(t, tt.want, ids)
			assert.Equal(t, len(tt.want), res.Count)
		})
	}
}

func TestCall_QueryAllReportsPerKindErrors(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)
	fx.addProduct("PROD_1", "Baratza", 149)
	fx.fake.Fail(catalog.KindService.Spec().ListQuery(), helixtest.Unavailable("get_business_services"), 1)

	out := fx.call(t, "query_business_memory", map[string]any{"memory_type": "all", "business_id": "BIZ_1"})

	res, ok := out.(engine.AllResult)
	require.True(t, ok)
	assert.Equal(t, "all", res.MemoryType)
	assert.Len(t, res.Results["products"], 1)
	assert.Equal(t, 1, res.Count)
	require.Contains(t, res.Errors, "services")
	assert.Equal(t, string(apperrors.CodeBackendUnavailable), res.Errors["services"].Code)
	assert.True(t, res.Errors["services"].Retryable)
	assert.NotContains(t, res.Results, "services")
}

func TestCall_QueryAllFailsWhenEveryKindFails(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)
	for _, k := range catalog.FamilyKinds(catalog.FamilyCustomer) {
		q := k.Spec().ListQuery()
		fx.fake.Fail(q, helixtest.Unavailable(q), 1)
	}

	_, err := fx.d.Call(context.Background(), "query_customer_memory",
		map[string]any{"memory_type": "all", "customer_id": "CUST_1"})

	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
}

func TestCall_HybridSearchEmbedsQueryText(t *testing.T) {
	fx := newFixture(t, router.ModeMCP, engine.WithEmbedder(staticEmbedder{}))
	fx.addProduct("PROD_1", "Baratza", 149)

	out := fx.call(t, "search_hybrid", map[string]any{
		"memory_type": "product", "business_id": "BIZ_1", "query_text": "grinder", "max_price": 200,
	})

	res := out.(engine.SearchResult)
	assert.Equal(t, "product", res.MemoryType)
	assert.Equal(t, string(catalog.SearchHybrid), res.Family)

	calls := fx.fake.Calls()
	require.NotEmpty(t, calls)
	last := calls[len(calls)-1]
	assert.Equal(t, []any{0.5, 0.25, 1.0}, last.Params["query_embedding"])
	assert.NotContains(t, last.Params, "query_text")
}

func TestCall_HybridSearchWithoutEmbedder(t *testing.T) {
	fx := newFixture(t, router.ModeMCP)

	_, err := fx.d.Call(context.Background(), "search_hybrid", map[string]any{
		"memory_type": "product", "business_id": "BIZ_1", "query_text": "grinder",
	})

	assert.True(t, apperrors.HasCode(err, apperrors.CodeEmbeddingUnavailable))
	assert.Empty(t, fx.fake.Calls())
}

func TestCall_BM25Search(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)
	fx.addProduct("PROD_1", "Baratza", 149)
	fx.addProduct("PROD_2", "Fellow", 99)

	res := fx.call(t, "search_bm25", map[string]any{
		"memory_type": "product", "business_id": "BIZ_1", "query_text": "fellow",
	}).(engine.SearchResult)

	require.Equal(t, 1, res.Count)
	assert.Equal(t, "PROD_2", res.Results[0]["product_id"])
}

func TestCall_SessionLifecycle(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)
	fx.addProduct("PROD_1", "Baratza", 149)
	fx.addProduct("PROD_2", "Fellow", 99)

	opened := fx.call(t, "init", nil).(engine.SessionResult)
	require.NotEmpty(t, opened.SessionID)
	sid := opened.SessionID

	step := fx.call(t, "n_from_type", map[string]any{"session_id": sid, "node_type": "BusinessProductMemory"})
	assert.Equal(t, "mcp/n_from_type", step.(session.StepResult).Step)

	first := fx.call(t, "next", map[string]any{"session_id": sid}).(engine.NextResult)
	assert.False(t, first.Done)
	assert.NotNil(t, first.Item)

	rest := fx.call(t, "collect", map[string]any{"session_id": sid}).(engine.CollectResult)
	assert.Equal(t, 1, rest.Count)

	done := fx.call(t, "next", map[string]any{"session_id": sid}).(engine.NextResult)
	assert.True(t, done.Done)

	closed := fx.call(t, "close", map[string]any{"session_id": sid}).(engine.SessionResult)
	assert.Equal(t, "closed", closed.Status)

	_, err := fx.d.Call(context.Background(), "next", map[string]any{"session_id": sid})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCall_RouterErrorIsCounted(t *testing.T) {
	fx := newFixture(t, router.ModeHelixDB)

	_, err := fx.d.Call(context.Background(), "find_customer_insights", map[string]any{})

	assert.True(t, apperrors.HasCode(err, apperrors.CodeRouterToolUnsupported))
	assert.Empty(t, fx.fake.Calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(
		fx.metrics.ToolCalls.WithLabelValues("find_customer_insights", string(apperrors.CodeRouterToolUnsupported))))
}

func TestDescribe(t *testing.T) {
	body := engine.Describe(helixtest.Unavailable("get_business_products"))
	assert.Equal(t, string(apperrors.CodeBackendUnavailable), body.Code)
	assert.True(t, body.Retryable)
	assert.Equal(t, "get_business_products", body.Fields["query"])

	plain := engine.Describe(errors.New("boom"))
	assert.Equal(t, string(apperrors.CodeInternal), plain.Code)
	assert.False(t, plain.Retryable)
	assert.Equal(t, "boom", plain.Message)
}
