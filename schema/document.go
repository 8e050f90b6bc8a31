package schema

import (
	"fmt"
	"strings"
)

// Document is a unit of text stored in the retrieval index.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResult is a scored document returned by a retriever.
type SearchResult struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Origin tags where an evidence record came from.
type Origin string

const (
	OriginRetrieval  Origin = "retrieval_index"
	OriginStructured Origin = "structured_store"
)

// EvidenceRecord is the normalized unit handed to the assembler. Metadata keys
// are source-agnostic so the same access predicate applies to rows and documents.
type EvidenceRecord struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata"`
	Origin   Origin                 `json:"origin"`
}

// NewEvidence copies meta so later changes by the producer cannot leak into the record.
func NewEvidence(content string, meta map[string]interface{}, origin Origin) EvidenceRecord {
	cp := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return EvidenceRecord{Content: content, Metadata: cp, Origin: origin}
}

// MetaString renders a metadata value as a string; absent or nil values yield "".
func (r EvidenceRecord) MetaString(key string) string {
	return MetaString(r.Metadata, key)
}

// MetaString renders meta[key] as a string.
func MetaString(meta map[string]interface{}, key string) string {
	v, ok := meta[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// DataType returns the lower-cased data_type tag.
func (r EvidenceRecord) DataType() string {
	return strings.ToLower(r.MetaString("data_type"))
}
