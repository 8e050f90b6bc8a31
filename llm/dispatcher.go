package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/errs"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/config"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
)

var rolePrefixes = map[policy.Role]string{
	policy.Employee:   "You're answering for an employee. Only provide information relevant to this specific employee.",
	policy.Supervisor: "You're answering for a supervisor. Provide team-level information for their supervised employees.",
	policy.Manager:    "You're answering for a manager. Provide location-level performance and team data.",
	policy.Admin:      "You're answering for an administrator. Provide comprehensive information as requested.",
}

// RolePrefix returns the instruction line prepended for role.
func RolePrefix(role policy.Role) string {
	return rolePrefixes[role]
}

// RenderPrompt fills {context} and {query}. A template with a {role}
// placeholder receives the prefix there; otherwise it is prepended.
func RenderPrompt(template, contextText, query string, role policy.Role) string {
	prefix := RolePrefix(role)
	hasRole := strings.Contains(template, "{role}")
	out := strings.NewReplacer(
		"{context}", contextText,
		"{query}", query,
		"{role}", prefix,
	).Replace(template)
	if !hasRole && prefix != "" {
		out = prefix + "\n\n" + out
	}
	return out
}

// Dispatcher resolves model names and calls their providers.
type Dispatcher struct {
	models    config.ModelsConfig
	providers map[string]Provider
	// build errors for models whose provider is not supported
	invalid map[string]error
}

// NewDispatcher builds a provider for every configured model.
func NewDispatcher(models config.ModelsConfig, httpCfg *config.HTTPClientConfig) *Dispatcher {
	d := &Dispatcher{
		models:    models,
		providers: make(map[string]Provider, len(models.Models)),
		invalid:   map[string]error{},
	}
	for name, mc := range models.Models {
		p, err := NewLLMProvider(name, mc, httpCfg)
		if err != nil {
			logger.Errorf("llm: model %s unusable: %v", name, err)
			d.invalid[name] = err
			continue
		}
		d.providers[name] = p
	}
	return d
}

// WithProvider replaces the backend of a configured model.
func (d *Dispatcher) WithProvider(name string, p Provider) *Dispatcher {
	d.providers[name] = p
	delete(d.invalid, name)
	return d
}

// Resolve maps a requested model to a configured one, falling back to the default.
func (d *Dispatcher) Resolve(name string) string {
	if _, ok := d.models.Models[name]; ok && name != "" {
		return name
	}
	if d.models.DefaultModel != "" {
		return d.models.DefaultModel
	}
	// pick deterministically when no default is configured
	names := d.Models()
	if len(names) > 0 {
		return names[0]
	}
	return ""
}

// Models lists configured model names in sorted order.
func (d *Dispatcher) Models() []string {
	names := make([]string, 0, len(d.models.Models))
	for n := range d.models.Models {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Answer renders the prompt for role and queries the resolved model. On
// failure the returned text is a caller-facing error message and err is a
// backend error.
func (d *Dispatcher) Answer(ctx context.Context, model, query, contextText string, role policy.Role) (string, error) {
	name := d.Resolve(model)
	mc := d.models.Models[name]
	if perr, ok := d.invalid[name]; ok {
		var up *UnsupportedProviderError
		if errors.As(perr, &up) {
			metrics.IncModelCall(mc.Provider, "unsupported")
			return up.Error(), errs.Backend("llm.answer", perr)
		}
		return fmt.Sprintf("Error querying model: %v", perr), errs.Backend("llm.answer", perr)
	}
	p, ok := d.providers[name]
	if !ok {
		err := fmt.Errorf("model %q is not configured", model)
		return fmt.Sprintf("Error querying model: %v", err), errs.Backend("llm.answer", err)
	}

	template := mc.PromptTemplate
	if template == "" {
		template = config.DefaultPromptTemplate
	}
	prompt := RenderPrompt(template, contextText, query, role)

	start := time.Now()
	text, err := p.GenerateCompletion(ctx, prompt)
	metrics.ObserveStage("model", start)
	if err != nil {
		logger.Errorf("llm: error querying %s via %s: %v", name, p.GetProviderType(), err)
		metrics.IncModelCall(p.GetProviderType(), "error")
		return fmt.Sprintf("Error querying model: %v", err), errs.Backend("llm.answer", err)
	}
	metrics.IncModelCall(p.GetProviderType(), "ok")
	return text, nil
}
