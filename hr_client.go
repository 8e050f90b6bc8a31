package hrask

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/evidence"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/ingest"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/llm"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/orchestrator"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/queue"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/retriever"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/router"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/sqlexec"
)

const Version = "1.0.0"

// Health is the readiness report of the service backends.
type Health struct {
	Status           string `json:"status"`
	Queue            string `json:"queue"`
	Database         string `json:"database"`
	DocumentsInIndex int    `json:"documents_in_index"`
}

// Stats reports queue depth and index size.
type Stats struct {
	PendingQueries   int64 `json:"pending_queries"`
	DocumentsInStore int   `json:"documents_in_store"`
}

// Components overrides backends that NewHRClientWith would otherwise build
// from configuration. Nil fields are built from cfg.
type Components struct {
	Queue  *queue.RedisQueue
	DB     *gorm.DB
	Index  retriever.Backend
	Models *llm.Dispatcher
	Teams  policy.TeamLookup
	Tokens evidence.TokenCounter
}

// HRClient owns every backend connection and the request pipeline.
type HRClient struct {
	config   *config.Config
	queue    *queue.RedisQueue
	executor *sqlexec.Executor
	index    retriever.Backend
	models   *llm.Dispatcher
	ingester *ingest.Ingester
	orch     *orchestrator.Orchestrator
}

// NewHRClient builds all backends from cfg.
func NewHRClient(cfg *config.Config) (*HRClient, error) {
	return NewHRClientWith(cfg, Components{})
}

func NewHRClientWith(cfg *config.Config, c Components) (*HRClient, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	client := &HRClient{config: cfg}

	client.queue = c.Queue
	if client.queue == nil {
		client.queue = queue.NewRedisQueue(cfg.Redis)
	}

	db := c.DB
	if db == nil {
		var err error
		db, err = sqlexec.Open(cfg.Database)
		if err != nil {
			// only a bad driver or DSN gets here; Open does not dial
			logger.Errorf("hrask: structured store misconfigured: %v", err)
		}
	}
	if db != nil {
		client.executor = sqlexec.New(db, time.Duration(cfg.Database.QueryTimeoutMs)*time.Millisecond)
	}

	client.index = c.Index
	if client.index == nil {
		client.index = newIndex(cfg)
	}

	client.models = c.Models
	if client.models == nil {
		client.models = llm.NewDispatcher(cfg.Models, cfg.HTTP)
	}

	teams := c.Teams
	if teams == nil {
		teams = newTeamLookup(cfg)
	}

	tokens := c.Tokens
	if tokens == nil {
		tokens = evidence.NewTiktokenCounter(cfg.Pipeline.Tokenizer)
	}

	var rows ingest.RowSource
	if client.executor != nil {
		rows = client.executor
	}
	ing, err := ingest.New(client.index, rows, ingest.Options{})
	if err != nil {
		return nil, fmt.Errorf("create ingester failed, err: %w", err)
	}
	client.ingester = ing

	client.orch = &orchestrator.Orchestrator{
		Classifier: router.FromConfig(cfg.Pipeline.Router),
		Policy:     policy.NewEngine(teams),
		Retrieval:  retriever.AdapterFromConfig(client.index, cfg.Index),
		Assembler:  evidence.NewAssembler(tokens, cfg.Pipeline.ContextMaxTokens),
		Models:     client.models,
		Queue:      client.queue,
		Options: orchestrator.Options{
			DefaultTopK:         cfg.Pipeline.DefaultTopK,
			PopWait:             time.Duration(cfg.Redis.PopTimeoutSeconds) * time.Second,
			StructuredTimeout:   time.Duration(cfg.Pipeline.StructuredTimeoutMs) * time.Millisecond,
			RetrievalTimeout:    time.Duration(cfg.Pipeline.RetrievalTimeoutMs) * time.Millisecond,
			ModelFailureAsError: cfg.Pipeline.ModelFailureAsError,
		},
	}
	if client.executor != nil {
		client.orch.Structured = client.executor
	}
	return client, nil
}

func newIndex(cfg *config.Config) retriever.Backend {
	ep := strings.TrimSpace(cfg.Index.Endpoint)
	if ep == "" || strings.HasPrefix(ep, "memory:") {
		logger.Warnf("hrask: no index endpoint configured, using in-process index")
		return retriever.NewMemoryRetriever()
	}
	timeout := time.Duration(cfg.Index.TimeoutMs) * time.Millisecond
	return &retriever.BM25Retriever{
		Endpoint:  ep,
		IndexName: cfg.Index.Index,
		MetaField: cfg.Index.MetaField,
		MaxTopK:   cfg.Index.MaxTopK,
		Client:    httpx.NewFromConfig(httpx.WithTimeout(cfg.HTTP, timeout)),
	}
}

func newTeamLookup(cfg *config.Config) policy.TeamLookup {
	static := policy.NewStaticTeams(cfg.Policy.Teams)
	if cfg.Policy.IdentityEndpoint == "" {
		return static
	}
	return &policy.HTTPTeamLookup{
		Endpoint: cfg.Policy.IdentityEndpoint,
		Client:   httpx.NewFromConfig(cfg.HTTP),
		Fallback: static,
	}
}

// Orchestrator exposes the pipeline, e.g. for the queue loop.
func (c *HRClient) Orchestrator() *orchestrator.Orchestrator { return c.orch }

// Queue exposes the transport for producers and listeners.
func (c *HRClient) Queue() *queue.RedisQueue { return c.queue }

// Run consumes the ask queue until ctx is cancelled.
func (c *HRClient) Run(ctx context.Context) error {
	if idx, ok := c.index.(*retriever.BM25Retriever); ok {
		if err := idx.EnsureIndex(ctx); err != nil {
			logger.Warnf("hrask: ensure index %s: %v", idx.IndexName, err)
		}
	}
	return c.orch.Run(ctx)
}

// Ask answers a request synchronously, bypassing the queue.
func (c *HRClient) Ask(ctx context.Context, req orchestrator.Request) orchestrator.Envelope {
	return c.orch.Process(ctx, req.WithDefaults())
}

// Health checks the queue and the structured store independently.
func (c *HRClient) Health(ctx context.Context) Health {
	h := Health{Status: "healthy", Queue: "connected", Database: "connected"}
	if err := c.queue.Ping(ctx); err != nil {
		logger.Warnf("hrask: queue unhealthy: %v", err)
		h.Queue = "disconnected"
	}
	if c.executor == nil {
		h.Database = "disconnected"
	} else if err := c.executor.Ping(ctx); err != nil {
		logger.Warnf("hrask: database unhealthy: %v", err)
		h.Database = "disconnected"
	}
	if h.Queue != "connected" || h.Database != "connected" {
		h.Status = "degraded"
	}
	if n, err := c.index.Count(ctx); err == nil {
		h.DocumentsInIndex = n
	} else {
		logger.Warnf("hrask: index count failed: %v", err)
	}
	return h
}

// Stats reports pending requests and indexed documents. Unreachable
// backends report zero.
func (c *HRClient) Stats(ctx context.Context) Stats {
	var s Stats
	if n, err := c.queue.Pending(ctx); err == nil {
		s.PendingQueries = n
	} else {
		logger.Warnf("hrask: queue length unavailable: %v", err)
	}
	if n, err := c.index.Count(ctx); err == nil {
		s.DocumentsInStore = n
	}
	return s
}

// IngestCSV indexes CSV rows.
func (c *HRClient) IngestCSV(ctx context.Context, r io.Reader, opt ingest.CSVOptions) (ingest.Result, error) {
	if idx, ok := c.index.(*retriever.BM25Retriever); ok {
		if err := idx.EnsureIndex(ctx); err != nil {
			return ingest.Result{}, err
		}
	}
	return c.ingester.CSV(ctx, r, opt)
}

// IngestSQL indexes the rows of a SELECT statement.
func (c *HRClient) IngestSQL(ctx context.Context, query string) (ingest.Result, error) {
	if idx, ok := c.index.(*retriever.BM25Retriever); ok {
		if err := idx.EnsureIndex(ctx); err != nil {
			return ingest.Result{}, err
		}
	}
	return c.ingester.SQL(ctx, query)
}

// Close releases every backend; all failures are reported.
func (c *HRClient) Close() error {
	var result *multierror.Error
	c.ingester.Release()
	if err := c.queue.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close queue: %w", err))
	}
	if c.executor != nil {
		if err := c.executor.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close database: %w", err))
		}
	}
	return result.ErrorOrNil()
}
