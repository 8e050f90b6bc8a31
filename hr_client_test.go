package hrask

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/evidence"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/ingest"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/llm"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/orchestrator"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/queue"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/retriever"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/sqlexec"
)

type stubProvider struct {
	mu      sync.Mutex
	prompts []string
}

func (s *stubProvider) GenerateCompletion(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return "Maria works the line on Saturday.", nil
}

func (s *stubProvider) GetProviderType() string { return "stub" }

type testEnv struct {
	client   *HRClient
	redis    *miniredis.Miniredis
	index    *retriever.MemoryRetriever
	provider *stubProvider
}

func newTestClient(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()

	db, err := sqlexec.Open(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "hr.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE employees (id TEXT PRIMARY KEY, name TEXT, rate REAL, location TEXT)`).Error)
	require.NoError(t, db.Exec(`INSERT INTO employees VALUES ('emp001', 'Maria Lopez', 20, 'RT2 - South Austin')`).Error)

	provider := &stubProvider{}
	models := llm.NewDispatcher(cfg.Models, nil).WithProvider(config.DefaultModelName, provider)
	index := retriever.NewMemoryRetriever()

	client, err := NewHRClientWith(cfg, Components{
		Queue:  queue.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "", ""),
		DB:     db,
		Index:  index,
		Models: models,
		Tokens: evidence.EstimateCounter{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return &testEnv{client: client, redis: mr, index: index, provider: provider}
}

func TestHealthHealthy(t *testing.T) {
	env := newTestClient(t)
	h := env.client.Health(context.Background())
	assert.Equal(t, Health{Status: "healthy", Queue: "connected", Database: "connected"}, h)
}

func TestHealthDegradedWhenQueueDown(t *testing.T) {
	env := newTestClient(t)
	env.redis.SetError("LOADING Redis is loading the dataset in memory")

	h := env.client.Health(context.Background())
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "disconnected", h.Queue)
	assert.Equal(t, "connected", h.Database)
}

func TestIngestCSVThenStats(t *testing.T) {
	env := newTestClient(t)
	ctx := context.Background()

	csv := "Employee,Date,Sched Position,Att Position\nemp001,06/14/2025,Line Cook,Line Cook\nemp002,06/14/2025,Host,Host\n"
	res, err := env.client.IngestCSV(ctx, strings.NewReader(csv), ingest.CSVOptions{Source: "schedule.csv"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Documents)

	require.NoError(t, env.client.Queue().PushRequest(ctx, map[string]string{"query": "who works today"}))

	s := env.client.Stats(ctx)
	assert.Equal(t, int64(1), s.PendingQueries)
	assert.Equal(t, 2, s.DocumentsInStore)
	assert.Equal(t, 2, env.client.Health(ctx).DocumentsInIndex)
}

func TestIngestSQLFromStructuredStore(t *testing.T) {
	env := newTestClient(t)
	res, err := env.client.IngestSQL(context.Background(), "SELECT id, name, location FROM employees")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Documents)

	n, err := env.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAskScopesEmployeeEvidence(t *testing.T) {
	env := newTestClient(t)
	ctx := context.Background()
	csv := "Employee,Date,Sched Position,Att Position\nemp001,06/14/2025,Line Cook,Line Cook\nemp002,06/14/2025,Host,Host\n"
	_, err := env.client.IngestCSV(ctx, strings.NewReader(csv), ingest.CSVOptions{})
	require.NoError(t, err)

	env2 := env.client.Ask(ctx, orchestrator.Request{Query: "what position is emp001 on 06/14/2025", UserID: "emp001"})
	require.True(t, env2.Success)
	assert.NotEmpty(t, env2.QueryID)
	assert.Equal(t, "Maria works the line on Saturday.", env2.Response)
	assert.Equal(t, 1, env2.DocumentsFound)
	assert.Nil(t, env2.Debug)

	require.Len(t, env.provider.prompts, 1)
	assert.Contains(t, env.provider.prompts[0], "emp001")
	assert.NotContains(t, env.provider.prompts[0], "emp002")
}

func TestAskAdminGetsDebug(t *testing.T) {
	env := newTestClient(t)
	ctx := context.Background()
	csv := "Employee,Date,Sched Position,Att Position\nemp001,06/14/2025,Line Cook,Line Cook\nemp002,06/14/2025,Host,Host\n"
	_, err := env.client.IngestCSV(ctx, strings.NewReader(csv), ingest.CSVOptions{})
	require.NoError(t, err)

	out := env.client.Ask(ctx, orchestrator.Request{QueryID: "q1", Query: "who is the host", UserID: "admin1", UserRole: "admin"})
	require.True(t, out.Success)
	assert.Equal(t, "q1", out.QueryID)
	require.NotNil(t, out.Debug)
	assert.Equal(t, config.DefaultModelName, out.Debug.ModelUsed)
	assert.Equal(t, out.DocumentsFound, out.Debug.DocumentsAfterFiltering)
}

func TestAskWithoutEvidence(t *testing.T) {
	env := newTestClient(t)
	out := env.client.Ask(context.Background(), orchestrator.Request{Query: "what is my schedule", UserID: "emp404"})
	require.True(t, out.Success)
	assert.Equal(t, orchestrator.NoEvidenceMessage, out.Response)
	assert.Equal(t, 0, out.DocumentsFound)
	assert.Empty(t, env.provider.prompts)
}

func TestCloseReportsQueueFailure(t *testing.T) {
	env := newTestClient(t)
	require.NoError(t, env.client.queue.Close())
	// a second close of the redis client fails and must surface
	assert.Error(t, env.client.Close())
}
