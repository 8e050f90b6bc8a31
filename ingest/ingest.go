package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/panjf2000/ants/v2"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/retriever"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/sqlexec"
)

const (
	defaultBatchSize = 200
	defaultPoolSize  = 4
)

// RowSource runs ad-hoc SELECT statements against the structured store.
type RowSource interface {
	QuerySelect(ctx context.Context, sql string) ([]sqlexec.Row, error)
}

type Options struct {
	BatchSize int
	PoolSize  int
}

// Result summarizes an ingestion run.
type Result struct {
	Documents int `json:"documents_ingested"`
	Failed    int `json:"documents_failed,omitempty"`
}

// Ingester turns CSV files and SQL result sets into index documents and
// writes them in batches on a worker pool.
type Ingester struct {
	index     retriever.Indexer
	rows      RowSource
	pool      *ants.Pool
	batchSize int
}

func New(index retriever.Indexer, rows RowSource, opt Options) (*Ingester, error) {
	if index == nil {
		return nil, errors.New("ingest: index is required")
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = defaultBatchSize
	}
	if opt.PoolSize <= 0 {
		opt.PoolSize = defaultPoolSize
	}
	pool, err := ants.NewPool(opt.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("ingest: create pool: %w", err)
	}
	return &Ingester{index: index, rows: rows, pool: pool, batchSize: opt.BatchSize}, nil
}

// Release stops the worker pool. The ingester must not be used afterwards.
func (i *Ingester) Release() {
	i.pool.Release()
}

// SQL runs query and indexes each row as a document.
func (i *Ingester) SQL(ctx context.Context, query string) (Result, error) {
	if i.rows == nil {
		return Result{}, errors.New("ingest: structured store not configured")
	}
	rows, err := i.rows.QuerySelect(ctx, query)
	if err != nil {
		return Result{}, err
	}
	return i.Write(ctx, RowsToDocuments(rows))
}

// RowsToDocuments renders rows as "column: value" documents tagged source=sql.
func RowsToDocuments(rows []sqlexec.Row) []schema.Document {
	docs := make([]schema.Document, 0, len(rows))
	for idx, r := range rows {
		rec := sqlexec.ToEvidence(r, idx)
		rec.Metadata["row_id"] = idx
		mirrorIdentity(rec.Metadata)
		docs = append(docs, schema.Document{Content: rec.Content, Metadata: rec.Metadata})
	}
	return docs
}

// mirrorIdentity sets employee/employee_id and location/location_id from
// whichever of each pair is present. The index-side filter reads the *_id
// keys while the document filter reads the short ones.
func mirrorIdentity(meta map[string]interface{}) {
	for short, long := range map[string]string{"employee": "employee_id", "location": "location_id"} {
		s, l := schema.MetaString(meta, short), schema.MetaString(meta, long)
		switch {
		case s == "" && l != "":
			meta[short] = l
		case l == "" && s != "":
			meta[long] = s
		}
	}
}

// Write indexes docs in batches concurrently. Partial failures are reported
// in Result.Failed together with the aggregated error.
func (i *Ingester) Write(ctx context.Context, docs []schema.Document) (Result, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		res    Result
		merr   *multierror.Error
		record = func(ok, failed int, err error) {
			mu.Lock()
			defer mu.Unlock()
			res.Documents += ok
			res.Failed += failed
			if err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	)
	for start := 0; start < len(docs); start += i.batchSize {
		end := start + i.batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[start:end]
		wg.Add(1)
		err := i.pool.Submit(func() {
			defer wg.Done()
			n, err := i.index.Index(ctx, batch)
			record(n, len(batch)-n, err)
		})
		if err != nil {
			wg.Done()
			record(0, len(batch), err)
		}
	}
	wg.Wait()
	logger.Infof("ingest: indexed %d documents, %d failed", res.Documents, res.Failed)
	return res, merr.ErrorOrNil()
}
