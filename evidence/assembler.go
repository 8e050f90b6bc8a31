package evidence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// ErrNoEvidence is returned when nothing survives the document filter.
var ErrNoEvidence = errors.New("no relevant evidence")

const blockSeparator = "\n\n"

// Context is the rendered evidence handed to the model.
type Context struct {
	Text string
	// Records are the blocks rendered into Text, in order.
	Records []schema.EvidenceRecord
	// Retrieved counts records before filtering.
	Retrieved int
	// AfterFiltering counts records that passed the document filter.
	AfterFiltering int
	// Truncated counts filtered records dropped by the token budget.
	Truncated int
}

type Assembler struct {
	counter   TokenCounter
	maxTokens int
}

// NewAssembler bounds the rendered context to maxTokens as measured by
// counter. maxTokens <= 0 disables the bound.
func NewAssembler(counter TokenCounter, maxTokens int) *Assembler {
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &Assembler{counter: counter, maxTokens: maxTokens}
}

// Assemble merges retrieval results ahead of structured rows, applies the
// principal's document filter and renders numbered blocks.
func (a *Assembler) Assemble(structured, retrieved []schema.EvidenceRecord, p policy.Principal) (Context, error) {
	merged := make([]schema.EvidenceRecord, 0, len(retrieved)+len(structured))
	merged = append(merged, retrieved...)
	merged = append(merged, structured...)

	kept := policy.DocumentFilter(p, merged)
	out := Context{Retrieved: len(merged), AfterFiltering: len(kept)}
	metrics.ObserveFilteredOut(len(merged) - len(kept))
	if len(kept) == 0 {
		return out, ErrNoEvidence
	}

	var sb strings.Builder
	used := 0
	for i, rec := range kept {
		block := fmt.Sprintf("--- Document %d ---\n%s", i+1, rec.Content)
		cost := a.counter.Count(block)
		if a.maxTokens > 0 && i > 0 && used+cost > a.maxTokens {
			out.Truncated = len(kept) - i
			logger.Debugf("evidence: token budget %d reached, dropping %d documents", a.maxTokens, out.Truncated)
			break
		}
		if i > 0 {
			sb.WriteString(blockSeparator)
		}
		sb.WriteString(block)
		used += cost
		out.Records = append(out.Records, rec)
	}
	out.Text = sb.String()
	return out, nil
}
