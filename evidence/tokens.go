package evidence

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
)

// TokenCounter measures text in model tokens.
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates four characters per token.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// TiktokenCounter counts with a BPE encoding such as cl100k_base. The
// encoding is loaded on first use; when it cannot be loaded the counter
// falls back to EstimateCounter.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
}

func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

func (t *TiktokenCounter) Count(text string) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			logger.Warnf("evidence: tiktoken encoding %s unavailable, estimating tokens: %v", t.encoding, err)
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return EstimateCounter{}.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
