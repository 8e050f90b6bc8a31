package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/evidence"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/ingest"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/queue"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/retriever"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/router"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// meeting lets two branches block until both have started, so a test can
// tell concurrent execution from sequential execution.
type meeting struct {
	wg  sync.WaitGroup
	met int32
}

func newMeeting() *meeting {
	m := &meeting{}
	m.wg.Add(2)
	return m
}

func (m *meeting) arrive() {
	m.wg.Done()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		atomic.AddInt32(&m.met, 1)
	case <-time.After(time.Second):
	}
}

type fakeStructured struct {
	mu     sync.Mutex
	intent string
	params []interface{}
	rows   []schema.EvidenceRecord
	meet   *meeting
}

func (f *fakeStructured) Run(ctx context.Context, intent string, params []interface{}) []schema.EvidenceRecord {
	if f.meet != nil {
		f.meet.arrive()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intent = intent
	f.params = params
	return f.rows
}

type fakeRetrieval struct {
	mu     sync.Mutex
	filter policy.Filter
	topK   int
	docs   []schema.EvidenceRecord
	panic  bool
	meet   *meeting
}

func (f *fakeRetrieval) Search(ctx context.Context, query string, filter policy.Filter, topK int) []schema.EvidenceRecord {
	if f.panic {
		panic("index exploded")
	}
	if f.meet != nil {
		f.meet.arrive()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	f.topK = topK
	return f.docs
}

type fakeModels struct {
	calls   int
	context string
	role    policy.Role
	text    string
	err     error
}

func (f *fakeModels) Answer(ctx context.Context, model, query, contextText string, role policy.Role) (string, error) {
	f.calls++
	f.context = contextText
	f.role = role
	return f.text, f.err
}

func (f *fakeModels) Resolve(name string) string {
	if name == "gpt-4o-mini" {
		return name
	}
	return "llama3.1:8b"
}

func newOrchestrator(s *fakeStructured, r *fakeRetrieval, m *fakeModels) *Orchestrator {
	c := router.New(nil)
	c.Now = func() time.Time { return time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC) }
	return &Orchestrator{
		Classifier: c,
		Policy:     policy.NewEngine(nil),
		Structured: s,
		Retrieval:  r,
		Assembler:  evidence.NewAssembler(nil, 0),
		Models:     m,
		Options:    Options{DefaultTopK: 5},
	}
}

func structuredRow(content string, meta map[string]interface{}) schema.EvidenceRecord {
	return schema.NewEvidence(content, meta, schema.OriginStructured)
}

func indexDoc(content string, meta map[string]interface{}) schema.EvidenceRecord {
	return schema.NewEvidence(content, meta, schema.OriginRetrieval)
}

func TestProcessManagerLineCook(t *testing.T) {
	s := &fakeStructured{rows: []schema.EvidenceRecord{
		structuredRow("name: Maria Lopez\nposition: Line Cook", map[string]interface{}{"name": "Maria Lopez", "data_type": "shift"}),
	}}
	r := &fakeRetrieval{}
	m := &fakeModels{text: "Maria Lopez worked as a Line Cook."}
	o := newOrchestrator(s, r, m)

	env := o.Process(context.Background(), Request{
		QueryID:     "q-1",
		Query:       "Who worked as a Line Cook?",
		UserID:      "mgr001",
		UserRole:    "manager",
		AccountID:   "acc1",
		LocationIDs: LocationIDs{"loc1"},
	})

	require.True(t, env.Success)
	assert.Equal(t, "q-1", env.QueryID)
	assert.Equal(t, "Maria Lopez worked as a Line Cook.", env.Response)
	assert.Equal(t, 1, env.DocumentsFound)

	assert.Equal(t, router.IntentEmployeesByPosition, s.intent)
	assert.Equal(t, []interface{}{"Line Cook", "06/14/2025"}, s.params)
	assert.Equal(t, policy.Manager, m.role)
	assert.Contains(t, m.context, "--- Document 1 ---\nname: Maria Lopez")

	require.NotNil(t, env.Debug)
	assert.Equal(t, "sql:employees_by_position", env.Debug.QueryType)
	assert.Equal(t, "llama3.1:8b", env.Debug.ModelUsed)
	assert.Equal(t, 1, env.Debug.DocumentsRetrieved)
	assert.Equal(t, 1, env.Debug.DocumentsAfterFiltering)
	assert.Equal(t, "acc1", env.Debug.FiltersApplied["account_id"])
	assert.Equal(t, map[string]interface{}{"$in": []string{"loc1"}}, env.Debug.FiltersApplied["location_id"])
	assert.Equal(t, map[string]interface{}{"$in": []string{"emp001", "emp002", "emp003", "emp004", "emp005"}},
		env.Debug.FiltersApplied["employee_id"])
}

func TestProcessEmployeeSeesOwnAndSalesOnly(t *testing.T) {
	r := &fakeRetrieval{docs: []schema.EvidenceRecord{
		indexDoc("Sales total: 1200", map[string]interface{}{"data_type": "sales_breakdown"}),
		indexDoc("emp002 salary", map[string]interface{}{"employee": "emp002"}),
		indexDoc("emp001 schedule", map[string]interface{}{"employee": "emp001"}),
	}}
	m := &fakeModels{text: "Sales were 1200."}
	o := newOrchestrator(&fakeStructured{}, r, m)

	env := o.Process(context.Background(), Request{QueryID: "q-2", Query: "What were the sales?", UserID: "emp001", UserRole: "employee", TopK: 3})

	require.True(t, env.Success)
	assert.Equal(t, 2, env.DocumentsFound)
	assert.Nil(t, env.Debug)
	assert.Equal(t, 3, r.topK)
	assert.NotContains(t, m.context, "emp002")
	assert.Contains(t, m.context, "Sales total: 1200")
	assert.Equal(t, []string{"emp001"}, r.filter.Map()["employee_id"].(map[string]interface{})["$in"])
}

func TestProcessEmployeeSalesFromIngestedCSV(t *testing.T) {
	csvData := "Date,Sales-Projected NET SALES,Guest Count\n" +
		"05/01/2025,1200.50,88\n" +
		"05/02/2025,980.00,71\n" +
		"Totals,2180.50,159\n"
	docs, err := ingest.ParseCSV(strings.NewReader(csvData), ingest.CSVOptions{Source: "dailySalesBreakdown_may.csv"})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	m := &fakeModels{text: "Total sales in May were 2180.50."}
	o := newOrchestrator(&fakeStructured{}, nil, m)
	o.Retrieval = retriever.NewAdapter(retriever.NewMemoryRetriever(docs...))

	env := o.Process(context.Background(), Request{
		QueryID:  "q-sales",
		Query:    "What were the total sales in May?",
		UserID:   "emp007",
		UserRole: "employee",
	})

	require.True(t, env.Success)
	assert.Equal(t, 2, env.DocumentsFound)
	assert.NotEqual(t, NoEvidenceMessage, env.Response)
	assert.Equal(t, 1, m.calls)
	assert.Contains(t, m.context, "05/01/2025")
	assert.Contains(t, m.context, "05/02/2025")
}

func TestProcessRunsBranchesConcurrently(t *testing.T) {
	meet := newMeeting()
	s := &fakeStructured{meet: meet, rows: []schema.EvidenceRecord{
		structuredRow("name: Maria Lopez\nposition: Line Cook", map[string]interface{}{"name": "Maria Lopez"}),
	}}
	r := &fakeRetrieval{meet: meet}
	m := &fakeModels{text: "Maria Lopez."}
	o := newOrchestrator(s, r, m)

	start := time.Now()
	env := o.Process(context.Background(), Request{
		QueryID:  "q-par",
		Query:    "Who worked as a Line Cook?",
		UserID:   "mgr001",
		UserRole: "manager",
	})
	elapsed := time.Since(start)

	require.True(t, env.Success)
	assert.Equal(t, router.IntentEmployeesByPosition, s.intent)
	// each branch waits up to a second for the other; run in sequence, both would time out
	assert.Equal(t, int32(2), atomic.LoadInt32(&meet.met))
	assert.Less(t, int64(elapsed), int64(time.Second))
}

func TestProcessNoEvidenceSkipsModel(t *testing.T) {
	m := &fakeModels{text: "should not be used"}
	o := newOrchestrator(&fakeStructured{}, &fakeRetrieval{}, m)

	env := o.Process(context.Background(), Request{QueryID: "q-3", Query: "anything", UserID: "emp001", UserRole: "employee"})
	assert.True(t, env.Success)
	assert.Equal(t, NoEvidenceMessage, env.Response)
	assert.Equal(t, 0, env.DocumentsFound)
	assert.Equal(t, 0, m.calls)
}

func TestProcessModelUnreachable(t *testing.T) {
	r := &fakeRetrieval{docs: []schema.EvidenceRecord{indexDoc("doc", nil)}}
	m := &fakeModels{
		text: "Error querying model: dial tcp: connection refused",
		err:  errs.Backend("llm.answer", errors.New("dial tcp: connection refused")),
	}
	o := newOrchestrator(&fakeStructured{}, r, m)

	env := o.Process(context.Background(), Request{QueryID: "q-4", Query: "q", UserRole: "admin"})
	assert.True(t, env.Success)
	assert.True(t, strings.HasPrefix(env.Response, "Error querying model: "))
	require.NotNil(t, env.Debug)
	assert.Equal(t, "retrieval", env.Debug.QueryType)
	assert.Empty(t, env.Debug.FiltersApplied)

	o.Options.ModelFailureAsError = true
	env = o.Process(context.Background(), Request{QueryID: "q-5", Query: "q", UserRole: "admin"})
	assert.False(t, env.Success)
	assert.True(t, strings.HasPrefix(env.Error, "Error querying model: "))
	assert.Equal(t, "q-5", env.QueryID)
}

func TestProcessRecoversFromPanic(t *testing.T) {
	o := newOrchestrator(&fakeStructured{}, &fakeRetrieval{panic: true}, &fakeModels{})
	env := o.Process(context.Background(), Request{QueryID: "q-6", Query: "q"})
	assert.False(t, env.Success)
	assert.Equal(t, "q-6", env.QueryID)
	assert.Contains(t, env.Error, "index exploded")
}

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"query":"Who is working today?","location_ids":"loc1","user_id":"sup001","user_role":"supervisor"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, req.QueryID)
	assert.Equal(t, LocationIDs{"loc1"}, req.LocationIDs)
	assert.Equal(t, "supervisor", req.Claims().Role)

	req, err = DecodeRequest([]byte(`{"query_id":"abc","query":"q","location_ids":["a","b"],"top_k":7}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", req.QueryID)
	assert.Equal(t, "employee", req.UserRole)
	assert.Equal(t, 7, req.TopK)
	assert.Equal(t, LocationIDs{"a", "b"}, req.LocationIDs)

	req, err = DecodeRequest([]byte(`{"query":"q","top_k":"5"}`))
	require.NoError(t, err)
	assert.Equal(t, 5, req.TopK)

	req, err = DecodeRequest([]byte(`{"query":"q","top_k":null}`))
	require.NoError(t, err)
	assert.Equal(t, 0, req.TopK)

	for _, bad := range []string{
		`not json`, `{}`, `{"query":""}`, `{"query":"q","top_k":0}`, `{"query":"q","location_ids":[1]}`,
		`{"query":"q","top_k":"five"}`, `{"query":"q","top_k":"0"}`, `{"query":"q","top_k":"5000"}`, `{"query":"q","top_k":2.5}`,
	} {
		_, err := DecodeRequest([]byte(bad))
		assert.True(t, errors.Is(err, errs.ErrValidation), bad)
	}
}

type recordingTransport struct {
	pushed []interface{}
}

func (r *recordingTransport) Pop(ctx context.Context, wait time.Duration) ([]byte, error) {
	return nil, nil
}

func (r *recordingTransport) Push(ctx context.Context, v interface{}) error {
	r.pushed = append(r.pushed, v)
	return nil
}

func TestHandleDropsInvalidMessages(t *testing.T) {
	tr := &recordingTransport{}
	o := newOrchestrator(&fakeStructured{}, &fakeRetrieval{}, &fakeModels{})
	o.Queue = tr

	require.NoError(t, o.Handle(context.Background(), []byte(`{"nope":true}`)))
	assert.Empty(t, tr.pushed)

	require.NoError(t, o.Handle(context.Background(), []byte(`{"query_id":"ok","query":"hello"}`)))
	require.Len(t, tr.pushed, 1)
	assert.Equal(t, "ok", tr.pushed[0].(Envelope).QueryID)
}

func TestRunRoundTripOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", "")
	defer q.Close()

	r := &fakeRetrieval{docs: []schema.EvidenceRecord{indexDoc("Sales total: 1200", map[string]interface{}{"data_type": "sales_breakdown"})}}
	o := newOrchestrator(&fakeStructured{}, r, &fakeModels{text: "1200"})
	o.Queue = q

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.NoError(t, q.PushRequest(context.Background(), map[string]interface{}{
		"query_id": "rt-1", "query": "sales?", "user_id": "emp001", "user_role": "employee",
	}))
	msg, err := q.WaitResponse(context.Background(), "rt-1", 5*time.Second)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.True(t, env.Success)
	assert.Equal(t, "1200", env.Response)
	assert.Equal(t, 1, env.DocumentsFound)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRunReturnsTransportError(t *testing.T) {
	mr := miniredis.RunT(t)
	q := queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "", "")
	defer q.Close()
	mr.Close()

	o := newOrchestrator(&fakeStructured{}, &fakeRetrieval{}, &fakeModels{})
	o.Queue = q
	err := o.Run(context.Background())
	assert.True(t, errs.IsTransport(err))
}
