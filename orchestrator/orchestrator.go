package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/common/logger"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/evidence"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/metrics"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/policy"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/router"
	"github.com/alibaba/higress/plugins/golang-filter/mcp-server/servers/hrask/schema"
)

// StructuredSource runs a parameterized template. Failures yield no records.
type StructuredSource interface {
	Run(ctx context.Context, intent string, params []interface{}) []schema.EvidenceRecord
}

// RetrievalSource searches the document index. Failures yield no records.
type RetrievalSource interface {
	Search(ctx context.Context, query string, filter policy.Filter, topK int) []schema.EvidenceRecord
}

// Answerer produces the final text from assembled evidence.
type Answerer interface {
	Answer(ctx context.Context, model, query, contextText string, role policy.Role) (string, error)
	Resolve(name string) string
}

// Transport is the queue pair the loop consumes from and answers on.
type Transport interface {
	Pop(ctx context.Context, wait time.Duration) ([]byte, error)
	Push(ctx context.Context, v interface{}) error
}

type Options struct {
	DefaultTopK       int
	PopWait           time.Duration
	StructuredTimeout time.Duration
	RetrievalTimeout  time.Duration
	// ModelFailureAsError reports model failures with success=false instead
	// of returning the error text as the answer.
	ModelFailureAsError bool
}

// Orchestrator wires the per-request pipeline stages.
type Orchestrator struct {
	Classifier *router.Classifier
	Policy     *policy.Engine
	Structured StructuredSource
	Retrieval  RetrievalSource
	Assembler  *evidence.Assembler
	Models     Answerer
	Queue      Transport
	Options    Options
}

func (o *Orchestrator) topK(req Request) int {
	if req.TopK > 0 {
		return req.TopK
	}
	if o.Options.DefaultTopK > 0 {
		return o.Options.DefaultTopK
	}
	return 5
}

// Process answers one request. It never panics and always returns an
// envelope carrying req.QueryID.
func (o *Orchestrator) Process(ctx context.Context, req Request) (env Envelope) {
	start := time.Now()
	qm := metrics.NewQueryMetrics(req.QueryID)
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("orchestrator: query %s panicked: %v", req.QueryID, r)
			env = failure(req.QueryID, fmt.Sprintf("%v", r))
		}
		if !env.Success {
			outcome = "failed"
		}
		metrics.IncQuery(outcome)
		qm.Finish(start, env.Success, env.Error)
		qm.Log()
	}()

	decision := o.Classifier.Classify(req.Query)
	metrics.IncRoute(decision.QueryType())
	qm.QueryType = decision.QueryType()
	qm.Degraded = decision.Err != nil

	principal := o.Policy.DerivePrincipal(ctx, req.Claims())
	qm.Role = principal.Role.String()
	filter := policy.RetrievalFilter(principal)
	logger.Debugf("orchestrator: query %s role=%s type=%s", req.QueryID, principal.Role, decision.QueryType())

	structured, retrieved, err := o.gather(ctx, req, decision, filter, qm)
	if err != nil {
		logger.Errorf("orchestrator: query %s failed while gathering evidence: %v", req.QueryID, err)
		return failure(req.QueryID, err.Error())
	}

	assembled, err := o.Assembler.Assemble(structured, retrieved, principal)
	qm.Retrieved = assembled.Retrieved
	qm.AfterFiltering = assembled.AfterFiltering

	modelUsed := o.Models.Resolve(req.Model)
	env = Envelope{QueryID: req.QueryID, Success: true, DocumentsFound: assembled.AfterFiltering}
	switch {
	case errors.Is(err, evidence.ErrNoEvidence):
		outcome = "no_evidence"
		env.Response = NoEvidenceMessage
	case err != nil:
		return failure(req.QueryID, err.Error())
	default:
		genStart := time.Now()
		text, merr := o.Models.Answer(ctx, req.Model, req.Query, assembled.Text, principal.Role)
		qm.Model = modelUsed
		qm.ModelLatencyMs = time.Since(genStart).Milliseconds()
		if merr != nil {
			outcome = "model_error"
			qm.ModelError = true
			logger.Warnf("orchestrator: query %s model failure: %v", req.QueryID, merr)
			if o.Options.ModelFailureAsError {
				env.Success = false
				env.Error = text
				break
			}
		}
		env.Response = text
	}

	if principal.Role != policy.Employee {
		env.Debug = &Debug{
			FiltersApplied:          filter.Map(),
			DocumentsRetrieved:      assembled.Retrieved,
			DocumentsAfterFiltering: assembled.AfterFiltering,
			QueryType:               decision.QueryType(),
			ModelUsed:               modelUsed,
		}
	}
	return env
}

// gather runs the structured and retrieval lookups concurrently. Each branch
// degrades to an empty result on its own; only a panic fails the request.
func (o *Orchestrator) gather(ctx context.Context, req Request, decision router.RoutingDecision, filter policy.Filter, qm *metrics.QueryMetrics) (structured, retrieved []schema.EvidenceRecord, err error) {
	g, gctx := errgroup.WithContext(ctx)
	var sqlStats, idxStats metrics.SourceStats

	if decision.Mode == router.ModeStructured && o.Structured != nil {
		g.Go(func() (err error) {
			defer recoverInto(&err)
			c, cancel := withTimeout(gctx, o.Options.StructuredTimeout)
			defer cancel()
			start := time.Now()
			structured = o.Structured.Run(c, decision.Intent, decision.Params)
			sqlStats = metrics.SourceStats{Type: "sql", LatencyMs: time.Since(start).Milliseconds(), ResultCount: len(structured)}
			return nil
		})
	}
	if o.Retrieval != nil {
		g.Go(func() (err error) {
			defer recoverInto(&err)
			c, cancel := withTimeout(gctx, o.Options.RetrievalTimeout)
			defer cancel()
			start := time.Now()
			retrieved = o.Retrieval.Search(c, req.Query, filter, o.topK(req))
			idxStats = metrics.SourceStats{Type: "index", LatencyMs: time.Since(start).Milliseconds(), ResultCount: len(retrieved)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	if sqlStats.Type != "" {
		qm.AddSourceStats(sqlStats)
	}
	if idxStats.Type != "" {
		qm.AddSourceStats(idxStats)
	}
	return structured, retrieved, nil
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%v", r)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Handle decodes one queue message, processes it and pushes the envelope.
// Invalid messages are logged and dropped without a response.
func (o *Orchestrator) Handle(ctx context.Context, msg []byte) error {
	req, err := DecodeRequest(msg)
	if err != nil {
		logger.Warnf("orchestrator: dropping invalid message: %v", err)
		metrics.IncQuery("invalid")
		return nil
	}
	logger.Infof("orchestrator: processing query %s", req.QueryID)
	env := o.Process(ctx, req)
	if err := o.Queue.Push(ctx, env); err != nil {
		return err
	}
	logger.Infof("orchestrator: response sent for query %s", req.QueryID)
	return nil
}

// Run consumes the ask queue until ctx is cancelled or the transport fails.
// A request already dequeued is finished even when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	wait := o.Options.PopWait
	if wait <= 0 {
		wait = time.Second
	}
	logger.Infof("orchestrator: consuming requests")
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := o.Queue.Pop(ctx, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg == nil {
			continue
		}
		if err := o.Handle(context.WithoutCancel(ctx), msg); err != nil {
			return err
		}
	}
}
