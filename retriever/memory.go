package retriever

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// MemoryRetriever keeps documents in process and scores them by query term
// overlap. It evaluates the filter locally with Filter.Match.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []schema.Document
	seq  int
}

func NewMemoryRetriever(docs ...schema.Document) *MemoryRetriever {
	m := &MemoryRetriever{}
	_, _ = m.Index(context.Background(), docs)
	return m
}

func (m *MemoryRetriever) Type() string { return "memory" }

func (m *MemoryRetriever) Search(ctx context.Context, query string, filter policy.Filter, topK int) ([]schema.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]schema.SearchResult, 0)
	for _, d := range m.docs {
		if !filter.Match(d.Metadata) {
			continue
		}
		score := overlap(terms, tokenize(d.Content))
		if score == 0 && len(terms) > 0 {
			continue
		}
		out = append(out, schema.SearchResult{Document: d, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryRetriever) Index(_ context.Context, docs []schema.Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		if d.ID == "" {
			m.seq++
			d.ID = "mem-" + strconv.Itoa(m.seq)
		}
		m.docs = append(m.docs, d)
	}
	return len(docs), nil
}

func (m *MemoryRetriever) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}

func tokenize(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		out[f] = struct{}{}
	}
	return out
}

func overlap(q, d map[string]struct{}) float64 {
	n := 0
	for t := range q {
		if _, ok := d[t]; ok {
			n++
		}
	}
	return float64(n)
}
