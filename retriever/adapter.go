package retriever

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/cache"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

const DefaultTopK = 5

// Adapter wraps a Retriever and normalizes its results into evidence
// records. Backend failures degrade to an empty result.
type Adapter struct {
	r       Retriever
	timeout time.Duration
	cache   cache.Cache[[]schema.EvidenceRecord]
	ttl     time.Duration
}

type AdapterOption func(*Adapter)

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) AdapterOption {
	return func(a *Adapter) { a.timeout = d }
}

// WithCache enables an L1 result cache keyed by the canonical
// (query, filter, top_k) triple.
func WithCache(c cache.Cache[[]schema.EvidenceRecord], ttl time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.cache = c
		a.ttl = ttl
	}
}

func NewAdapter(r Retriever, opts ...AdapterOption) *Adapter {
	a := &Adapter{r: r}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AdapterFromConfig wires timeout and cache settings from cfg.
func AdapterFromConfig(r Retriever, cfg config.IndexConfig) *Adapter {
	var opts []AdapterOption
	if cfg.TimeoutMs > 0 {
		opts = append(opts, WithTimeout(time.Duration(cfg.TimeoutMs)*time.Millisecond))
	}
	if cfg.Cache != nil && cfg.Cache.Enable {
		ttl := time.Duration(cfg.Cache.TTLSeconds) * time.Second
		opts = append(opts, WithCache(cache.NewLRU[[]schema.EvidenceRecord](cfg.Cache.Capacity, ttl), ttl))
	}
	return NewAdapter(r, opts...)
}

func (a *Adapter) Type() string { return a.r.Type() }

// Search returns at most topK records (DefaultTopK when topK <= 0), each
// tagged with the retrieval origin.
func (a *Adapter) Search(ctx context.Context, query string, filter policy.Filter, topK int) []schema.EvidenceRecord {
	if topK <= 0 {
		topK = DefaultTopK
	}
	key := ""
	if a.cache != nil {
		key = cacheKey(query, filter, topK)
		if key != "" {
			if hit, ok := a.cache.Get(key); ok {
				return append([]schema.EvidenceRecord(nil), hit...)
			}
		}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	start := time.Now()
	results, err := a.r.Search(ctx, query, filter, topK)
	if err != nil {
		logger.Warnf("retriever %s failed: %v", a.r.Type(), err)
		metrics.IncBackendError(a.r.Type())
		return []schema.EvidenceRecord{}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	metrics.ObserveRetriever(a.r.Type(), start, len(results))

	out := make([]schema.EvidenceRecord, 0, len(results))
	for _, res := range results {
		out = append(out, schema.NewEvidence(res.Document.Content, res.Document.Metadata, schema.OriginRetrieval))
	}
	if key != "" {
		a.cache.Set(key, append([]schema.EvidenceRecord(nil), out...), a.ttl)
	}
	return out
}

// cacheKey renders the lookup triple as RFC 8785 canonical JSON so logically
// equal filters share an entry.
func cacheKey(query string, filter policy.Filter, topK int) string {
	raw, err := json.Marshal(map[string]interface{}{
		"query":  query,
		"filter": filter.Map(),
		"top_k":  topK,
	})
	if err != nil {
		return ""
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return ""
	}
	return string(canon)
}
