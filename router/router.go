package router

import (
	"strings"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
)

// Mode is the evidence source chosen for a query.
type Mode string

const (
	ModeStructured Mode = "structured"
	ModeRetrieval  Mode = "retrieval"
)

const (
	IntentEmployeeShifts      = "employee_shifts"
	IntentEmployeeByID        = "employee_by_id"
	IntentEmployeesByPosition = "employees_by_position"
	IntentLaborCost           = "labor_cost"
)

// RoutingDecision is computed once per request and never modified.
type RoutingDecision struct {
	Mode   Mode          `json:"mode"`
	Intent string        `json:"intent,omitempty"`
	Params []interface{} `json:"params,omitempty"`
	// MatchedIntent is the phrase-table hit even when extraction failed.
	MatchedIntent string `json:"matched_intent,omitempty"`
	// Err is a RoutingAmbiguity when a structured intent matched but its
	// required parameters could not be extracted.
	Err error `json:"-"`
}

// QueryType renders the decision as "sql:<intent>" or "retrieval".
func (d RoutingDecision) QueryType() string {
	if d.Mode == ModeStructured {
		return "sql:" + d.Intent
	}
	return string(ModeRetrieval)
}

// Rule maps a case-insensitive phrase to a structured intent.
type Rule struct {
	Phrase string
	Intent string
}

// DefaultRules is evaluated in order; the first phrase found wins.
var DefaultRules = []Rule{
	{Phrase: "who is working", Intent: IntentEmployeeShifts},
	{Phrase: "who worked on", Intent: IntentEmployeeShifts},
	{Phrase: "employees working", Intent: IntentEmployeeShifts},
	{Phrase: "worked as", Intent: IntentEmployeesByPosition},
	{Phrase: "labor cost", Intent: IntentLaborCost},
	{Phrase: "employee id", Intent: IntentEmployeeByID},
	{Phrase: "position", Intent: IntentEmployeesByPosition},
}

// Classifier is a deterministic phrase router with per-intent parameter
// extractors. It is not an intent-recognition model.
type Classifier struct {
	rules      []Rule
	extractors map[string]extractor
	// Now supplies "today" for date defaults.
	Now func() time.Time
}

// New builds a classifier. An empty rules slice selects DefaultRules.
func New(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	norm := make([]Rule, 0, len(rules))
	for _, r := range rules {
		p := strings.ToLower(strings.TrimSpace(r.Phrase))
		if p == "" {
			continue
		}
		norm = append(norm, Rule{Phrase: p, Intent: r.Intent})
	}
	return &Classifier{
		rules: norm,
		extractors: map[string]extractor{
			IntentEmployeeShifts:      extractShiftParams,
			IntentEmployeeByID:        extractEmployeeID,
			IntentEmployeesByPosition: extractPositionParams,
			IntentLaborCost:           extractLaborCostParams,
		},
		Now: time.Now,
	}
}

// FromConfig converts configured router rules.
func FromConfig(cfg config.RouterConfig) *Classifier {
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		rules = append(rules, Rule{Phrase: r.Phrase, Intent: r.Intent})
	}
	return New(rules)
}

// Classify routes text. Identical text and clock yield identical decisions.
func (c *Classifier) Classify(text string) RoutingDecision {
	lower := strings.ToLower(text)
	for _, r := range c.rules {
		if !strings.Contains(lower, r.Phrase) {
			continue
		}
		ext, ok := c.extractors[r.Intent]
		if !ok {
			logger.Warnf("router: no extractor for intent %q, using retrieval", r.Intent)
			return RoutingDecision{Mode: ModeRetrieval, MatchedIntent: r.Intent,
				Err: errs.RoutingAmbiguity(r.Intent, nil)}
		}
		params, ok := ext(text, c.now())
		if !ok {
			logger.Infof("router: intent %s matched but parameters incomplete, using retrieval", r.Intent)
			return RoutingDecision{Mode: ModeRetrieval, MatchedIntent: r.Intent,
				Err: errs.RoutingAmbiguity(r.Intent, nil)}
		}
		return RoutingDecision{Mode: ModeStructured, Intent: r.Intent, Params: params, MatchedIntent: r.Intent}
	}
	return RoutingDecision{Mode: ModeRetrieval}
}

func (c *Classifier) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
