package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	noop "go.opentelemetry.io/otel/trace/noop"

	"delver/engine/internal/budget"
	"delver/engine/internal/checkpoint"
	"delver/engine/internal/degrade"
	"delver/engine/internal/eventlog"
	"delver/engine/internal/llm"
	"delver/engine/internal/report"
	"delver/engine/internal/scrape"
	"delver/engine/internal/search"
	"delver/engine/internal/shutdown"
	"delver/engine/models"
	"delver/engine/telemetry/logging"
)

// Node identifies a vertex of the research state graph.
type Node string

const (
	NodeStart      Node = "START"
	NodePlan       Node = "plan"
	NodeSearch     Node = "search"
	NodeScrape     Node = "scrape"
	NodeSummarize  Node = "summarize"
	NodeSynthesize Node = "synthesize"
	NodeEnd        Node = "END"
)

// AssembleFunc builds the final report document; the engine injects one
// bound to the run's report configuration.
type AssembleFunc func(state *models.ResearchState, execSummary, conclusions string, gaps []string) (string, models.ReportMetadata, []string, error)

// Deps are the per-run collaborators threaded through the stages. No global
// state: each run owns its own set.
type Deps struct {
	Router      *llm.Router
	Search      *search.Service
	Scraper     *scrape.Scraper
	Progress    *report.ProgressWriter
	Budget      *budget.Tracker
	Degrade     *degrade.Controller
	Shutdown    *shutdown.Coordinator
	Events      *eventlog.Log
	Checkpoints *checkpoint.Store
	Assemble    AssembleFunc
	Logger      logging.Logger
	Tracer      trace.Tracer
	OnStage     func(node string, success bool)
}

// Config tunes executor behavior.
type Config struct {
	Temperature         float32
	PlanMaxTokens       int
	SummaryMaxTokens    int
	SynthesizeMaxTokens int
	LLMTimeout          time.Duration
	StageTimeout        time.Duration
	RunDeadline         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Temperature <= 0 {
		c.Temperature = 0.1
	}
	if c.PlanMaxTokens <= 0 {
		c.PlanMaxTokens = 2048
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = 1024
	}
	if c.SynthesizeMaxTokens <= 0 {
		c.SynthesizeMaxTokens = 4096
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 120 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 5 * time.Minute
	}
	return c
}

// Executor owns the run loop. It is the sole mutator of the research state:
// stages return partial updates which are folded in via the reducers, then
// checkpointed before the next edge is taken.
type Executor struct {
	deps       Deps
	cfg        Config
	step       int
	lastStepID string
	startedAt  time.Time
}

// New builds an executor.
func New(deps Deps, cfg Config) *Executor {
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("delver")
	}
	return &Executor{deps: deps, cfg: cfg.withDefaults()}
}

func (e *Executor) logger() logging.Logger {
	if e.deps.Logger == nil {
		e.deps.Logger = logging.New(nil)
	}
	return e.deps.Logger
}

// Run executes from the state's recorded next node (fresh states start at
// plan) until END. The returned state reflects the last applied update even
// on error.
func (e *Executor) Run(ctx context.Context, state *models.ResearchState) (*models.ResearchState, error) {
	e.startedAt = time.Now()
	if steps, err := e.deps.Checkpoints.Steps(); err == nil && len(steps) > 0 {
		e.step = steps[len(steps)-1]
		e.deps.Events.SeedStep(uint64(e.step))
	}

	node := NodePlan
	if state.NextNode != "" {
		node = Node(state.NextNode)
	}

	for node != NodeEnd {
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("%w: %v", models.ErrCancelled, err)
		}
		if e.cfg.RunDeadline > 0 && time.Since(e.startedAt) > e.cfg.RunDeadline {
			e.deps.Degrade.ForcePartial("run deadline exceeded")
		}
		if e.deps.Shutdown != nil && e.deps.Shutdown.ShouldStop() && node != NodeSynthesize {
			// Drain: finish via synthesize so a partial report still lands.
			node = NodeSynthesize
		}

		var err error
		state, err = e.runStage(ctx, node, state)
		if err != nil {
			return state, err
		}
		node = Node(state.NextNode)
	}
	return state, nil
}

// runStage invokes one stage, applies its update plus the budget/tier
// bookkeeping, appends events, and writes the checkpoint.
func (e *Executor) runStage(ctx context.Context, node Node, state *models.ResearchState) (*models.ResearchState, error) {
	stepID := e.deps.Events.NextStepID()
	parentID := e.lastStepID
	ctx = logging.WithCorrelation(ctx, logging.Correlation{RunID: state.RunID, StepID: stepID, Node: string(node)})
	spanCtx, span := e.deps.Tracer.Start(ctx, "stage."+string(node), trace.WithAttributes(attribute.String("run_id", state.RunID)))
	defer span.End()

	e.appendEvent(eventlog.Entry{StepID: stepID, ParentID: parentID, Event: eventlog.EventNodeEnter, Node: string(node)})

	stageCtx := spanCtx
	if e.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(spanCtx, e.cfg.StageTimeout)
		defer cancel()
	}

	update, stageErr := e.invoke(stageCtx, node, state)
	success := stageErr == nil
	if e.deps.OnStage != nil {
		e.deps.OnStage(string(node), success)
	}
	if stageErr != nil {
		e.appendEvent(eventlog.Entry{StepID: stepID, ParentID: parentID, Event: eventlog.EventError, Node: string(node), Payload: map[string]any{"error": stageErr.Error()}})
		e.logger().ErrorCtx(ctx, "stage failed", "error", stageErr)
		return state, stageErr
	}

	// Fold in budget totals and the tier in effect after this stage.
	cost, tokens := e.deps.Budget.Totals()
	fraction := e.deps.Budget.FractionUsed()
	tier := string(e.deps.Degrade.Evaluate(fraction))
	update.TotalCost = &cost
	update.TotalTokens = &tokens
	update.DegradationTier = &tier

	next := string(e.route(node, models.Apply(state, update), fraction))
	update.NextNode = &next
	state = models.Apply(state, update)

	e.appendEvent(eventlog.Entry{StepID: stepID, ParentID: parentID, Event: eventlog.EventBudgetTick, Node: string(node), Payload: map[string]any{
		"total_cost":    cost,
		"total_tokens":  tokens,
		"fraction_used": fraction,
		"tier":          tier,
	}})
	e.appendEvent(eventlog.Entry{StepID: stepID, ParentID: parentID, Event: eventlog.EventNodeExit, Node: string(node), Payload: map[string]any{"next": next}})

	e.step++
	if err := e.deps.Checkpoints.Write(state, e.step); err != nil {
		return state, fmt.Errorf("checkpoint after %s: %w", node, err)
	}
	e.appendEvent(eventlog.Entry{StepID: stepID, ParentID: parentID, Event: eventlog.EventCheckpointWritten, Node: string(node), Payload: map[string]any{"step": e.step}})
	e.lastStepID = stepID
	return state, nil
}

func (e *Executor) invoke(ctx context.Context, node Node, state *models.ResearchState) (models.Update, error) {
	switch node {
	case NodePlan:
		return e.planStage(ctx, state)
	case NodeSearch:
		return e.searchStage(ctx, state)
	case NodeScrape:
		return e.scrapeStage(ctx, state)
	case NodeSummarize:
		return e.summarizeStage(ctx, state)
	case NodeSynthesize:
		return e.synthesizeStage(ctx, state)
	default:
		return models.Update{}, fmt.Errorf("unknown node %q", node)
	}
}

// route picks the outgoing edge given the post-stage state.
func (e *Executor) route(node Node, state *models.ResearchState, fractionUsed float64) Node {
	switch node {
	case NodePlan:
		if len(state.Subtopics) == 0 || fractionUsed >= 1.0 {
			return NodeSynthesize
		}
		return NodeSearch
	case NodeSearch:
		return NodeScrape
	case NodeScrape:
		return NodeSummarize
	case NodeSummarize:
		stopRequested := e.deps.Shutdown != nil && e.deps.Shutdown.ShouldStop()
		if state.CurrentSubtopicIndex < len(state.Subtopics) && fractionUsed < 1.0 && !stopRequested && e.deps.Degrade.Tier() != degrade.TierPartial {
			return NodeSearch
		}
		return NodeSynthesize
	case NodeSynthesize:
		return NodeEnd
	default:
		return NodeSynthesize
	}
}

func (e *Executor) appendEvent(entry eventlog.Entry) {
	if err := e.deps.Events.Append(entry); err != nil {
		e.logger().WarnCtx(context.Background(), "event append failed", "error", err)
	}
}
