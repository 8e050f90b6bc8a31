package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonschema"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
)

// NoEvidenceMessage is answered when nothing survives the access filter.
const NoEvidenceMessage = "I don't have access to information relevant to your query."

// Request is one question taken from the ask queue or the direct API.
type Request struct {
	QueryID     string      `json:"query_id"`
	Query       string      `json:"query"`
	Model       string      `json:"model,omitempty"`
	TopK        int         `json:"top_k,omitempty"`
	UserID      string      `json:"user_id,omitempty"`
	UserRole    string      `json:"user_role,omitempty"`
	AccountID   string      `json:"account_id,omitempty"`
	LocationIDs LocationIDs `json:"location_ids,omitempty"`
}

// UnmarshalJSON accepts top_k as a number or a numeric string.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	aux := struct {
		*plain
		TopK json.RawMessage `json:"top_k,omitempty"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	n, err := parseTopK(aux.TopK)
	if err != nil {
		return err
	}
	r.TopK = n
	return nil
}

const maxTopK = 1000

func parseTopK(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	if raw[0] != '"' {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("top_k: %w", err)
		}
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("top_k: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("top_k: %q is not an integer", s)
	}
	if n < 1 || n > maxTopK {
		return 0, fmt.Errorf("top_k: %d out of range [1, %d]", n, maxTopK)
	}
	return n, nil
}

// LocationIDs accepts either a single string or a list of strings.
type LocationIDs []string

func (l *LocationIDs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*l = nil
		} else {
			*l = LocationIDs{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Claims converts the identity fields of the request.
func (r Request) Claims() policy.Claims {
	return policy.Claims{
		UserID:      r.UserID,
		Role:        r.UserRole,
		AccountID:   r.AccountID,
		LocationIDs: []string(r.LocationIDs),
	}
}

// Envelope is the single response emitted per request.
type Envelope struct {
	QueryID        string `json:"query_id"`
	Success        bool   `json:"success"`
	Response       string `json:"response,omitempty"`
	Error          string `json:"error,omitempty"`
	DocumentsFound int    `json:"documents_found"`
	Debug          *Debug `json:"debug,omitempty"`
}

// Debug is attached for every role except employee.
type Debug struct {
	FiltersApplied          map[string]interface{} `json:"filters_applied"`
	DocumentsRetrieved      int                    `json:"documents_retrieved"`
	DocumentsAfterFiltering int                    `json:"documents_after_filtering"`
	QueryType               string                 `json:"query_type"`
	ModelUsed               string                 `json:"model_used"`
}

func failure(queryID, msg string) Envelope {
	return Envelope{QueryID: queryID, Success: false, Error: msg}
}

const requestSchema = `{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query_id":     {"type": ["string", "null"]},
    "query":        {"type": "string", "minLength": 1},
    "model":        {"type": ["string", "null"]},
    "top_k": {
      "anyOf": [
        {"type": "integer", "minimum": 1, "maximum": 1000},
        {"type": "string", "pattern": "^\\s*[0-9]+\\s*$"},
        {"type": "null"}
      ]
    },
    "user_id":      {"type": ["string", "null"]},
    "user_role":    {"type": ["string", "null"]},
    "account_id":   {"type": ["string", "null"]},
    "location_ids": {
      "anyOf": [
        {"type": "string"},
        {"type": "array", "items": {"type": "string"}},
        {"type": "null"}
      ]
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func requestValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledSchema, compileErr = compiler.Compile([]byte(requestSchema))
	})
	return compiledSchema, compileErr
}

// DecodeRequest validates and parses a queue message. A missing query_id is
// generated and a missing role becomes employee.
func DecodeRequest(data []byte) (Request, error) {
	sch, err := requestValidator()
	if err != nil {
		return Request{}, err
	}
	if !json.Valid(data) {
		return Request{}, errs.Validation("decode", fmt.Errorf("message is not valid JSON"))
	}
	result := sch.ValidateJSON(data)
	if !result.IsValid() {
		return Request{}, errs.Validation("decode", fmt.Errorf("schema validation failed: %v", result.Errors))
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, errs.Validation("decode", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return Request{}, errs.Validation("decode", fmt.Errorf("query is empty"))
	}
	return req.WithDefaults(), nil
}

// WithDefaults fills a generated query_id and the employee role.
func (r Request) WithDefaults() Request {
	if r.QueryID == "" {
		r.QueryID = uuid.NewString()
	}
	if r.UserRole == "" {
		r.UserRole = policy.Employee.String()
	}
	return r
}
