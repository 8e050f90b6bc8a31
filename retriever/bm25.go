package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/httpx"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// BM25Retriever queries an Elasticsearch-like backend using multi_match with
// the access filter pushed down as a bool filter.
// Endpoint example: http://es:9200
// Index example: hr-data
type BM25Retriever struct {
	Endpoint  string
	IndexName string
	// MetaField holds document metadata in _source; filter fields live under it.
	MetaField string
	Client    *httpx.Client
	MaxTopK   int
}

func (r *BM25Retriever) Type() string { return "bm25" }

func (r *BM25Retriever) metaField() string {
	if r.MetaField == "" {
		return "meta"
	}
	return r.MetaField
}

func (r *BM25Retriever) url(parts ...string) (string, error) {
	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return "", err
	}
	u.Path = path.Join(append([]string{u.Path}, parts...)...)
	return u.String(), nil
}

// buildQuery renders the ES request body.
func (r *BM25Retriever) buildQuery(query string, filter policy.Filter, size int) map[string]interface{} {
	mf := r.metaField()
	filters := make([]interface{}, 0, len(filter.Clauses))
	for _, c := range filter.Clauses {
		if q := clauseQuery(mf, c); q != nil {
			filters = append(filters, q)
		}
	}
	return map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"multi_match": map[string]interface{}{
							"query":   query,
							"fields":  []string{"content^2", mf + ".*"},
							"lenient": true,
						},
					},
				},
				"filter": filters,
			},
		},
	}
}

// clauseQuery renders one clause. Clauses with alternatives become a
// bool.should with minimum_should_match 1.
func clauseQuery(mf string, c policy.Clause) map[string]interface{} {
	field := mf + "." + c.Field
	var base map[string]interface{}
	switch c.Op {
	case policy.OpEq:
		if len(c.Values) > 0 {
			base = map[string]interface{}{"term": map[string]interface{}{field: c.Values[0]}}
		}
	case policy.OpIn:
		base = map[string]interface{}{"terms": map[string]interface{}{field: c.Values}}
	}
	if !c.MissingOK && len(c.Or) == 0 {
		return base
	}
	should := make([]interface{}, 0, len(c.Or)+2)
	if base != nil {
		should = append(should, base)
	}
	if c.MissingOK {
		should = append(should, map[string]interface{}{
			"bool": map[string]interface{}{
				"must_not": map[string]interface{}{"exists": map[string]interface{}{"field": field}},
			},
		})
	}
	for _, alt := range c.Or {
		if q := clauseQuery(mf, alt); q != nil {
			should = append(should, q)
		}
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"should":               should,
			"minimum_should_match": 1,
		},
	}
}

func (r *BM25Retriever) Search(ctx context.Context, query string, filter policy.Filter, topK int) ([]schema.SearchResult, error) {
	if r.Endpoint == "" || r.IndexName == "" {
		return []schema.SearchResult{}, nil
	}
	if r.Client == nil {
		return nil, errors.New("bm25 http client not configured")
	}
	if topK <= 0 {
		topK = 10
	}
	if r.MaxTopK > 0 && r.MaxTopK < topK {
		topK = r.MaxTopK
	}
	u, err := r.url(r.IndexName, "_search")
	if err != nil {
		return nil, err
	}
	data, err := r.Client.DoJSON(ctx, http.MethodPost, u, r.buildQuery(query, filter, topK), nil)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	hits := gjson.GetBytes(data, "hits.hits").Array()
	out := make([]schema.SearchResult, 0, len(hits))
	for _, h := range hits {
		src := h.Get("_source")
		content := src.Get("content").String()
		meta := map[string]interface{}{}
		if m, ok := src.Get(gjsonPath(r.metaField())).Value().(map[string]interface{}); ok {
			meta = m
		}
		out = append(out, schema.SearchResult{
			Document: schema.Document{ID: h.Get("_id").String(), Content: content, Metadata: meta},
			Score:    h.Get("_score").Float(),
		})
	}
	return out, nil
}

// Count returns the number of documents in the index.
func (r *BM25Retriever) Count(ctx context.Context) (int, error) {
	u, err := r.url(r.IndexName, "_count")
	if err != nil {
		return 0, err
	}
	data, err := r.Client.DoJSON(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("bm25 count: %w", err)
	}
	return int(gjson.GetBytes(data, "count").Int()), nil
}

// EnsureIndex creates the index with metadata mapped as keywords so term
// filters match exactly. An existing index is left alone.
func (r *BM25Retriever) EnsureIndex(ctx context.Context) error {
	u, err := r.url(r.IndexName)
	if err != nil {
		return err
	}
	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"dynamic_templates": []interface{}{
				map[string]interface{}{
					"meta_keywords": map[string]interface{}{
						"path_match":         r.metaField() + ".*",
						"match_mapping_type": "string",
						"mapping":            map[string]interface{}{"type": "keyword"},
					},
				},
			},
			"properties": map[string]interface{}{
				"content": map[string]interface{}{"type": "text"},
			},
		},
	}
	_, err = r.Client.DoJSON(ctx, http.MethodPut, u, mapping, nil)
	var se *httpx.StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest && gjson.Get(se.Body, "error.type").String() == "resource_already_exists_exception" {
		return nil
	}
	return err
}

// Index writes docs with the _bulk API and returns how many were accepted.
func (r *BM25Retriever) Index(ctx context.Context, docs []schema.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, d := range docs {
		action := map[string]interface{}{"_index": r.IndexName}
		if d.ID != "" {
			action["_id"] = d.ID
		}
		if err := enc.Encode(map[string]interface{}{"index": action}); err != nil {
			return 0, err
		}
		src := map[string]interface{}{"content": d.Content, r.metaField(): d.Metadata}
		if err := enc.Encode(src); err != nil {
			return 0, err
		}
	}
	u, err := r.url("_bulk")
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := r.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("bm25 bulk: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &httpx.StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	accepted := 0
	gjson.GetBytes(data, "items").ForEach(func(_, item gjson.Result) bool {
		if st := item.Get("index.status").Int(); st >= 200 && st < 300 {
			accepted++
		}
		return true
	})
	if accepted < len(docs) {
		return accepted, fmt.Errorf("bm25 bulk: %d of %d documents rejected", len(docs)-accepted, len(docs))
	}
	return accepted, nil
}

// gjsonPath escapes dots so a configured field name is looked up literally.
func gjsonPath(field string) string {
	return strings.ReplaceAll(field, ".", `\.`)
}
