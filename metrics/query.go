package metrics

import (
	"encoding/json"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
)

// QueryMetrics records the full trace of one processed query.
type QueryMetrics struct {
	QueryID   string    `json:"query_id"`
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	QueryType string    `json:"query_type"`
	Degraded  bool      `json:"degraded,omitempty"`

	SourceStats map[string]SourceStats `json:"source_stats"`

	Retrieved      int `json:"documents_retrieved"`
	AfterFiltering int `json:"documents_after_filtering"`

	Model          string `json:"model,omitempty"`
	ModelLatencyMs int64  `json:"model_latency_ms,omitempty"`
	ModelError     bool   `json:"model_error,omitempty"`

	TotalLatencyMs int64  `json:"total_latency_ms"`
	Success        bool   `json:"success"`
	ErrorMsg       string `json:"error_msg,omitempty"`
}

// SourceStats describes one evidence source call.
type SourceStats struct {
	Type        string `json:"type"`
	LatencyMs   int64  `json:"latency_ms"`
	ResultCount int    `json:"result_count"`
}

func NewQueryMetrics(queryID string) *QueryMetrics {
	return &QueryMetrics{
		QueryID:     queryID,
		Timestamp:   time.Now(),
		SourceStats: make(map[string]SourceStats),
	}
}

// AddSourceStats adds or merges stats for a source.
func (m *QueryMetrics) AddSourceStats(s SourceStats) {
	if m.SourceStats == nil {
		m.SourceStats = make(map[string]SourceStats)
	}
	if existing, ok := m.SourceStats[s.Type]; ok {
		existing.LatencyMs += s.LatencyMs
		existing.ResultCount += s.ResultCount
		m.SourceStats[s.Type] = existing
		return
	}
	m.SourceStats[s.Type] = s
}

// Finish stamps the total latency and outcome.
func (m *QueryMetrics) Finish(start time.Time, success bool, errMsg string) {
	m.TotalLatencyMs = time.Since(start).Milliseconds()
	m.Success = success
	m.ErrorMsg = errMsg
}

// Log writes the metrics as a single JSON line.
func (m *QueryMetrics) Log() {
	if data, err := json.Marshal(m); err == nil {
		logger.Infof("[HRASK_METRICS] %s", string(data))
	}
}
