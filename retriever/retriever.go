package retriever

import (
	"context"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// Retriever defines the search contract of the external document index.
// The filter is applied by the backend.
type Retriever interface {
	Type() string
	Search(ctx context.Context, query string, filter policy.Filter, topK int) ([]schema.SearchResult, error)
}

// Indexer is implemented by backends that accept documents and report their size.
type Indexer interface {
	Index(ctx context.Context, docs []schema.Document) (int, error)
	Count(ctx context.Context) (int, error)
}

// Backend is a retriever that can also be written to.
type Backend interface {
	Retriever
	Indexer
}
