package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/telemetry"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/corpus"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/planner"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/retrieval"
)

var graphTracer trace.Tracer = otel.Tracer("cosineofthrones/internal/agent/graph")

// altEndingSeasonCeiling is the canon boundary for creative requests: the
// alternate-ending path may only see evidence from before the final season.
const altEndingSeasonCeiling = 7

// Graph coordinates the full answering pipeline: planning, retrieval,
// specialist dispatch and merge. Each request moves through the state
// machine PLANNING -> RETRIEVING -> DISPATCHING -> MERGING -> DONE, or to
// FAILED from any stage after planning.
type Graph struct {
	config      *config.Config
	logger      *log.Logger
	telemetry   *telemetry.Telemetry
	planner     *planner.Planner
	store       *corpus.Store
	retriever   *retrieval.Retriever
	specialists []SpecialistAgent
	llmProvider LLMProvider
	embedder    retrieval.Embedder

	// Concurrency control across all specialist LLM calls
	semaphore chan struct{}
}

// providerEmbedder adapts the LLM provider to the retriever's query
// embedding interface.
type providerEmbedder struct {
	llm   LLMProvider
	model string
}

func (e *providerEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.llm.Embed(ctx, e.model, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embedding returned: %w", ErrInvalidOutput)
	}
	return vecs[0], nil
}

// NewGraph creates the answering graph with all components wired.
func NewGraph(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry) (*Graph, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[GRAPH] ", log.LstdFlags)
	}

	llmProvider, err := NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	store, err := corpus.Load(cfg.Corpus.PassagesPath, cfg.Corpus.EmbeddingsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load evidence store: %w", err)
	}
	if err := store.ValidateDimensions(cfg.Corpus.Dimensions); err != nil {
		return nil, err
	}

	embedder := &providerEmbedder{llm: llmProvider, model: cfg.LLM.Routing.Embedding}
	retriever := retrieval.New(cfg.Retrieval, store, embedder, nil).
		WithJudge(llmProvider, cfg.LLM.Routing.Judge)

	qp := planner.New(nil).WithLLM(llmProvider, cfg.LLM.Routing.Planning)

	return &Graph{
		config:      cfg,
		logger:      logger,
		telemetry:   tel,
		planner:     qp,
		store:       store,
		retriever:   retriever,
		specialists: NewSpecialists(cfg, llmProvider, logger),
		llmProvider: llmProvider,
		embedder:    embedder,
		semaphore:   make(chan struct{}, cfg.Agents.MaxConcurrentLLMCalls),
	}, nil
}

// NewGraphWithComponents wires a graph from preconstructed parts. Used by
// tests and by callers that manage the store themselves.
func NewGraphWithComponents(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry,
	qp *planner.Planner, store *corpus.Store, retriever *retrieval.Retriever,
	specialists []SpecialistAgent, llm LLMProvider) *Graph {
	if logger == nil {
		logger = log.New(log.Writer(), "[GRAPH] ", log.LstdFlags)
	}
	maxConcurrent := cfg.Agents.MaxConcurrentLLMCalls
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Graph{
		config:      cfg,
		logger:      logger,
		telemetry:   tel,
		planner:     qp,
		store:       store,
		retriever:   retriever,
		specialists: specialists,
		llmProvider: llm,
		semaphore:   make(chan struct{}, maxConcurrent),
	}
}

// LLM exposes the graph's underlying LLM provider.
func (g *Graph) LLM() LLMProvider { return g.llmProvider }

// Answer processes one question end to end.
func (g *Graph) Answer(ctx context.Context, question Question) (FinalAnswer, error) {
	startTime := time.Now()
	if question.ID == "" {
		question.ID = uuid.New().String()
	}
	if question.Mode == "" {
		question.Mode = ModeFactual
	}
	if question.Asked.IsZero() {
		question.Asked = time.Now()
	}

	ctx, span := graphTracer.Start(ctx, "agent.answer",
		trace.WithAttributes(
			attribute.String("question.id", question.ID),
			attribute.String("question.mode", string(question.Mode)),
		))
	defer span.End()

	answer := FinalAnswer{
		ID:        question.ID,
		Question:  question,
		State:     StatePlanning,
		CreatedAt: time.Now(),
	}

	fail := func(err error) (FinalAnswer, error) {
		answer.State = StateFailed
		answer.ProcessingTime = time.Since(startTime)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.recordRequest(ctx, answer, startTime, err)
		return answer, err
	}

	// Reject contradictory options before any node runs.
	if question.Mode == ModeAlternateEnding && question.Options.SeasonMax > altEndingSeasonCeiling {
		return fail(&ConstraintViolation{
			Reason: fmt.Sprintf("alternate-ending requests are limited to seasons 1-%d, got season_max=%d",
				altEndingSeasonCeiling, question.Options.SeasonMax),
		})
	}

	// PLANNING. The planner degrades to heuristics internally and never
	// fails the request.
	g.logger.Printf("[%s] planning: %s", question.ID, question.Text)
	plan := g.planner.Plan(ctx, question.Text)
	if question.Mode == ModeAlternateEnding {
		plan.QuestionType = planner.QuestionAlternateEnding
	} else if plan.QuestionType == planner.QuestionAlternateEnding {
		question.Mode = ModeAlternateEnding
		answer.Question = question
	}
	answer.Plan = plan
	span.AddEvent("plan.complete", trace.WithAttributes(
		attribute.String("plan.question_type", string(plan.QuestionType)),
		attribute.Int("plan.subqueries", len(plan.Subqueries)),
	))

	// RETRIEVING
	answer.State = StateRetrieving
	evidence, err := g.retrieve(ctx, question, plan)
	if err != nil {
		return fail(err)
	}
	span.AddEvent("retrieval.complete", trace.WithAttributes(
		attribute.Int("evidence.items", len(evidence.Items)),
		attribute.Bool("evidence.constrained_empty", evidence.ConstrainedEmpty),
	))

	// DISPATCHING
	answer.State = StateDispatching
	results, skipped, err := g.dispatch(ctx, question, plan, evidence)
	if err != nil {
		return fail(err)
	}

	// MERGING
	answer.State = StateMerging
	g.merge(&answer, results, skipped, evidence)

	answer.State = StateDone
	answer.ProcessingTime = time.Since(startTime)
	span.SetAttributes(
		attribute.Int("answer.results", len(answer.Results)),
		attribute.Int("answer.skipped", len(answer.Skipped)),
		attribute.Int64("answer.tokens", answer.TokensUsed),
	)
	span.SetStatus(codes.Ok, "completed")
	g.recordRequest(ctx, answer, startTime, nil)
	return answer, nil
}

// retrieve builds the effective temporal constraint and gathers evidence for
// every subquery in the plan.
func (g *Graph) retrieve(ctx context.Context, question Question, plan planner.QueryPlan) (retrieval.EvidenceSet, error) {
	started := time.Now()
	constraint := plan.Temporal
	if question.Mode == ModeAlternateEnding {
		ceiling := altEndingSeasonCeiling
		if question.Options.SeasonMax > 0 {
			ceiling = question.Options.SeasonMax
		}
		constraint = planner.TemporalConstraint{MaxSeason: ceiling, Bounded: true}
	}

	retriever := g.retriever
	if question.Options.Rerank != nil {
		cfg := g.config.Retrieval
		cfg.RerankEnabled = *question.Options.Rerank
		retriever = retrieval.New(cfg, g.store, g.embedder, g.logger).
			WithJudge(g.llmProvider, g.config.LLM.Routing.Judge)
	}

	subqueries := plan.Subqueries
	if len(subqueries) == 0 {
		subqueries = []string{question.Text}
	}

	sets := make([]retrieval.EvidenceSet, 0, len(subqueries))
	for _, sq := range subqueries {
		set, err := retriever.Retrieve(ctx, sq, constraint)
		if err != nil {
			return retrieval.EvidenceSet{}, err
		}
		sets = append(sets, set)
	}
	merged := retrieval.Merge(sets...)
	if len(merged.Items) > g.config.Retrieval.TopK {
		merged.Items = merged.Items[:g.config.Retrieval.TopK]
	}
	merged = retriever.EnsureEntityCoverage(merged, plan.CanonicalEntities, constraint)

	if g.telemetry != nil {
		g.telemetry.RecordRetrievalEvent(ctx, telemetry.RetrievalEvent{
			Subqueries:       len(subqueries),
			Hits:             len(merged.Items),
			ConstrainedEmpty: merged.ConstrainedEmpty,
			Duration:         time.Since(started),
		})
	}
	return merged, nil
}

type dispatchOutcome struct {
	result AgentResult
	err    error
	agent  AgentType
}

// dispatch fans the applicable specialists out over the shared semaphore and
// collects their results. A synthesis failure fails the whole request; any
// other specialist failure is recorded as skipped.
func (g *Graph) dispatch(ctx context.Context, question Question, plan planner.QueryPlan, evidence retrieval.EvidenceSet) ([]AgentResult, []SkippedAgent, error) {
	var selected []SpecialistAgent
	for _, s := range g.specialists {
		if s.Applies(plan, question.Mode) {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		return nil, nil, &SpecialistError{AgentType: AgentBasicRAG, Err: fmt.Errorf("no specialist applies to mode %s", question.Mode)}
	}

	outcomes := make([]dispatchOutcome, len(selected))
	var wg sync.WaitGroup
	for i, s := range selected {
		wg.Add(1)
		go func(i int, s SpecialistAgent) {
			defer wg.Done()

			select {
			case g.semaphore <- struct{}{}:
				defer func() { <-g.semaphore }()
			case <-ctx.Done():
				outcomes[i] = dispatchOutcome{agent: s.Type(), err: ctx.Err()}
				return
			}

			runCtx := ctx
			var cancel context.CancelFunc
			if g.config.Agents.AgentTimeout > 0 {
				runCtx, cancel = context.WithTimeout(ctx, g.config.Agents.AgentTimeout)
				defer cancel()
			}

			_, span := graphTracer.Start(runCtx, "agent.specialist",
				trace.WithAttributes(attribute.String("agent.type", string(s.Type()))))
			defer span.End()

			started := time.Now()
			result, err := s.Run(runCtx, plan, evidence)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			outcomes[i] = dispatchOutcome{result: result, err: err, agent: s.Type()}

			if g.telemetry != nil {
				g.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
					ID:         question.ID,
					AgentType:  string(s.Type()),
					Duration:   time.Since(started),
					Success:    err == nil,
					Error:      errString(err),
					Cost:       result.Cost,
					TokensUsed: result.TokensUsed,
					ModelUsed:  result.ModelUsed,
				})
			}
		}(i, s)
	}
	wg.Wait()

	var results []AgentResult
	var skipped []SkippedAgent
	for _, out := range outcomes {
		if out.err == nil {
			results = append(results, out.result)
			continue
		}
		// The synthesis agents are load-bearing: without them there is no
		// answer text at all.
		if out.agent == AgentBasicRAG || out.agent == AgentAlternateEnding {
			return nil, nil, out.err
		}
		g.logger.Printf("[%s] specialist %s skipped: %v", question.ID, out.agent, out.err)
		skipped = append(skipped, SkippedAgent{AgentType: out.agent, Reason: out.err.Error()})
		if g.telemetry != nil {
			g.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
				ID:        question.ID,
				AgentType: string(out.agent),
				Skipped:   true,
				Error:     out.err.Error(),
			})
		}
	}
	return results, skipped, nil
}

// merge concatenates specialist sections in the fixed priority order and
// unions their citations into the answer's evidence list.
func (g *Graph) merge(answer *FinalAnswer, results []AgentResult, skipped []SkippedAgent, evidence retrieval.EvidenceSet) {
	byType := make(map[AgentType]AgentResult, len(results))
	for _, r := range results {
		byType[r.AgentType] = r
	}

	var sections []string
	var ordered []AgentResult
	citedSeen := make(map[string]bool)
	var citedIDs []string
	for _, at := range mergeOrder {
		r, ok := byType[at]
		if !ok {
			continue
		}
		ordered = append(ordered, r)
		if s := strings.TrimSpace(r.Section); s != "" {
			sections = append(sections, s)
		}
		for _, id := range r.Cited {
			if !citedSeen[id] {
				citedSeen[id] = true
				citedIDs = append(citedIDs, id)
			}
		}
		answer.TokensUsed += r.TokensUsed
		answer.CostEstimate += r.Cost
	}

	answer.Results = ordered
	answer.Skipped = skipped
	answer.Text = strings.Join(sections, "\n\n")

	for _, id := range citedIDs {
		if item, ok := evidence.Get(id); ok {
			answer.Evidence = append(answer.Evidence, item)
		}
	}
}

func (g *Graph) recordRequest(ctx context.Context, answer FinalAnswer, startTime time.Time, err error) {
	if g.telemetry == nil {
		return
	}
	var agentsUsed []string
	for _, r := range answer.Results {
		agentsUsed = append(agentsUsed, string(r.AgentType))
	}
	g.telemetry.RecordRequestEvent(ctx, telemetry.RequestEvent{
		ID:             answer.ID,
		Question:       answer.Question.Text,
		Mode:           string(answer.Question.Mode),
		StartTime:      startTime,
		EndTime:        time.Now(),
		ProcessingTime: answer.ProcessingTime,
		Success:        err == nil,
		Error:          errString(err),
		Cost:           answer.CostEstimate,
		TokensUsed:     answer.TokensUsed,
		AgentsUsed:     agentsUsed,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
