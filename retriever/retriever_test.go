package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

func testClient() *httpx.Client {
	return httpx.New(httpx.Options{Timeout: time.Second, BackoffMin: time.Millisecond, BackoffMax: time.Millisecond})
}

func managerFilter() policy.Filter {
	return policy.Filter{Clauses: []policy.Clause{
		{Field: "account_id", Op: policy.OpEq, Values: []string{"acc1"}},
		{Field: "location_id", Op: policy.OpIn, Values: []string{"loc1", "loc2"}},
	}}
}

func TestBM25SearchPushesFilterAndParsesHits(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/hr-data/_search", r.URL.Path)
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_id":"d1","_score":3.5,"_source":{"content":"Line Cook shift","meta":{"location_id":"loc1","employee":"emp001"}}},
			{"_id":"d2","_score":1.2,"_source":{"content":"Sales total","meta":{"data_type":"sales_breakdown"}}}
		]}}`))
	}))
	defer srv.Close()

	r := &BM25Retriever{Endpoint: srv.URL, IndexName: "hr-data", Client: testClient()}
	res, err := r.Search(context.Background(), "line cook", managerFilter(), 5)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "d1", res[0].Document.ID)
	assert.Equal(t, "Line Cook shift", res[0].Document.Content)
	assert.Equal(t, "emp001", res[0].Document.Metadata["employee"])
	assert.InDelta(t, 3.5, res[0].Score, 1e-9)

	assert.Equal(t, int64(5), gjson.GetBytes(body, "size").Int())
	assert.Equal(t, "line cook", gjson.GetBytes(body, "query.bool.must.0.multi_match.query").String())
	assert.Equal(t, "acc1", gjson.GetBytes(body, `query.bool.filter.0.term.meta\.account_id`).String())
	assert.Equal(t, `["loc1","loc2"]`, gjson.GetBytes(body, `query.bool.filter.1.terms.meta\.location_id`).Raw)
}

func TestBM25SearchRendersAlternativesAsShould(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"hits":{"hits":[]}}`))
	}))
	defer srv.Close()

	r := &BM25Retriever{Endpoint: srv.URL, IndexName: "hr-data", Client: testClient()}
	f := policy.RetrievalFilter(policy.Principal{Role: policy.Employee, AccountID: "acc1", TeamMembers: []string{"emp007"}})
	_, err := r.Search(context.Background(), "total sales", f, 5)
	require.NoError(t, err)

	assert.Equal(t, "acc1", gjson.GetBytes(body, `query.bool.filter.0.term.meta\.account_id`).String())
	emp := gjson.GetBytes(body, "query.bool.filter.1.bool")
	assert.Equal(t, int64(1), emp.Get("minimum_should_match").Int())
	assert.Equal(t, `["emp007"]`, emp.Get(`should.0.terms.meta\.employee_id`).Raw)
	assert.Equal(t, `["public","sales_breakdown"]`, emp.Get(`should.1.terms.meta\.data_type`).Raw)

	mgr := policy.RetrievalFilter(policy.Principal{Role: policy.Manager, AccessibleLocations: []string{"loc1"}})
	_, err = r.Search(context.Background(), "total sales", mgr, 5)
	require.NoError(t, err)
	loc := gjson.GetBytes(body, "query.bool.filter.0.bool.should")
	assert.Equal(t, `["loc1"]`, loc.Get(`0.terms.meta\.location_id`).Raw)
	assert.Equal(t, "meta.location_id", loc.Get("1.bool.must_not.exists.field").String())
	assert.Equal(t, `["public","sales_breakdown"]`, loc.Get(`2.terms.meta\.data_type`).Raw)
}

func TestMemorySearchKeepsSalesForEmployeeFilter(t *testing.T) {
	m := NewMemoryRetriever(
		schema.Document{ID: "s1", Content: "NET SALES 1200", Metadata: map[string]interface{}{"data_type": "sales_breakdown"}},
		schema.Document{ID: "e2", Content: "emp002 sales shift", Metadata: map[string]interface{}{"employee_id": "emp002"}},
	)
	f := policy.RetrievalFilter(policy.Principal{Role: policy.Employee, TeamMembers: []string{"emp007"}})
	res, err := m.Search(context.Background(), "sales", f, 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "s1", res[0].Document.ID)
}

func TestBM25SearchCapsAndEmptyConfig(t *testing.T) {
	var size int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		size = gjson.GetBytes(b, "size").Int()
		_, _ = w.Write([]byte(`{"hits":{"hits":[]}}`))
	}))
	defer srv.Close()

	r := &BM25Retriever{Endpoint: srv.URL, IndexName: "hr-data", Client: testClient(), MaxTopK: 3}
	res, err := r.Search(context.Background(), "q", policy.Filter{}, 20)
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.Equal(t, int64(3), size)

	empty := &BM25Retriever{}
	res, err = empty.Search(context.Background(), "q", policy.Filter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestBM25CountAndBulkIndex(t *testing.T) {
	var lines []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hr-data/_count":
			_, _ = w.Write([]byte(`{"count":42}`))
		case "/_bulk":
			assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))
			b, _ := io.ReadAll(r.Body)
			lines = strings.Split(strings.TrimSpace(string(b)), "\n")
			_, _ = w.Write([]byte(`{"errors":false,"items":[{"index":{"status":201}},{"index":{"status":201}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := &BM25Retriever{Endpoint: srv.URL, IndexName: "hr-data", Client: testClient()}
	n, err := r.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	docs := []schema.Document{
		{ID: "row-1", Content: "a: 1", Metadata: map[string]interface{}{"data_type": "sales_breakdown"}},
		{Content: "b: 2"},
	}
	accepted, err := r.Index(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, 2, accepted)
	require.Len(t, lines, 4)
	assert.Equal(t, "row-1", gjson.Get(lines[0], "index._id").String())
	assert.Equal(t, "sales_breakdown", gjson.Get(lines[1], "meta.data_type").String())
	assert.False(t, gjson.Get(lines[2], "index._id").Exists())
}

func TestBM25BulkReportsRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":true,"items":[{"index":{"status":201}},{"index":{"status":400}}]}`))
	}))
	defer srv.Close()

	r := &BM25Retriever{Endpoint: srv.URL, IndexName: "hr-data", Client: testClient()}
	n, err := r.Index(context.Background(), []schema.Document{{Content: "a"}, {Content: "b"}})
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestBM25EnsureIndexToleratesExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"resource_already_exists_exception"}}`))
	}))
	defer srv.Close()

	r := &BM25Retriever{Endpoint: srv.URL, IndexName: "hr-data", Client: testClient()}
	assert.NoError(t, r.EnsureIndex(context.Background()))
}

func TestMemoryRetrieverFiltersAndRanks(t *testing.T) {
	m := NewMemoryRetriever(
		schema.Document{Content: "Line Cook worked Saturday", Metadata: map[string]interface{}{"account_id": "acc1", "location_id": "loc1"}},
		schema.Document{Content: "Line Cook at other store", Metadata: map[string]interface{}{"account_id": "acc1", "location_id": "loc9"}},
		schema.Document{Content: "Cook", Metadata: map[string]interface{}{"account_id": "acc1", "location_id": "loc2"}},
	)
	res, err := m.Search(context.Background(), "line cook", managerFilter(), 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Line Cook worked Saturday", res[0].Document.Content)
	assert.Equal(t, "Cook", res[1].Document.Content)
	assert.NotEmpty(t, res[0].Document.ID)

	n, _ := m.Count(context.Background())
	assert.Equal(t, 3, n)
}

type stubRetriever struct {
	calls   int32
	results []schema.SearchResult
	err     error
}

func (s *stubRetriever) Type() string { return "stub" }

func (s *stubRetriever) Search(ctx context.Context, query string, filter policy.Filter, topK int) ([]schema.SearchResult, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.results, s.err
}

func results(n int) []schema.SearchResult {
	out := make([]schema.SearchResult, n)
	for i := range out {
		out[i] = schema.SearchResult{Document: schema.Document{
			Content:  "doc",
			Metadata: map[string]interface{}{"idx": i},
		}}
	}
	return out
}

func TestAdapterCapsAndTagsOrigin(t *testing.T) {
	a := NewAdapter(&stubRetriever{results: results(8)})
	recs := a.Search(context.Background(), "q", policy.Filter{}, 3)
	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.Equal(t, schema.OriginRetrieval, r.Origin)
	}

	recs = a.Search(context.Background(), "q", policy.Filter{}, 0)
	assert.Len(t, recs, DefaultTopK)
}

func TestAdapterDegradesOnError(t *testing.T) {
	a := NewAdapter(&stubRetriever{err: errors.New("connection refused")})
	recs := a.Search(context.Background(), "q", policy.Filter{}, 5)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestAdapterCacheKeyedByCanonicalFilter(t *testing.T) {
	stub := &stubRetriever{results: results(2)}
	a := NewAdapter(stub, WithCache(cache.NewLRU[[]schema.EvidenceRecord](8, time.Minute), time.Minute))

	f1 := managerFilter()
	f2 := policy.Filter{Clauses: []policy.Clause{f1.Clauses[1], f1.Clauses[0]}}
	a.Search(context.Background(), "q", f1, 5)
	a.Search(context.Background(), "q", f2, 5)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))

	a.Search(context.Background(), "q", f1, 4)
	assert.Equal(t, int32(2), atomic.LoadInt32(&stub.calls))
}

func TestCacheKeyIsCanonicalJSON(t *testing.T) {
	key := cacheKey("who", managerFilter(), 5)
	var parsed map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(key), &parsed))
	assert.True(t, strings.HasPrefix(key, `{"filter":{"account_id":"acc1"`))
}
