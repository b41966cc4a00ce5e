// Package engine composes the research pipeline behind a single facade:
// construct once, then Run or Resume individual research runs. Each run owns
// its collaborators (event log, checkpoint store, budget tracker, router) so
// nothing mutable is shared between runs.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"delver/engine/internal/budget"
	"delver/engine/internal/checkpoint"
	"delver/engine/internal/degrade"
	"delver/engine/internal/eventlog"
	"delver/engine/internal/executor"
	"delver/engine/internal/llm"
	"delver/engine/internal/report"
	"delver/engine/internal/scrape"
	"delver/engine/internal/search"
	"delver/engine/internal/shutdown"
	telemEvents "delver/engine/internal/telemetry/events"
	intmetrics "delver/engine/internal/telemetry/metrics"
	"delver/engine/models"
	"delver/engine/telemetry/logging"
)

// TelemetryEvent is the reduced, stable event representation handed to
// external observers.
type TelemetryEvent struct {
	Time     time.Time         `json:"time"`
	Category string            `json:"category"`
	Type     string            `json:"type"`
	Severity string            `json:"severity,omitempty"`
	RunID    string            `json:"run_id,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Strategies allows embedders and tests to swap the external collaborators
// without touching engine wiring. Unset fields fall back to the configured
// real providers.
type Strategies struct {
	LLMPrimary        llm.Provider
	LLMFallback       llm.Provider
	LLMBudget         llm.Provider
	SearchProviders   []search.Provider
	PrimaryExtractor  scrape.Extractor
	FallbackExtractor scrape.Extractor
}

// Result is the outcome of one run.
type Result struct {
	RunID      string
	ReportPath string
	State      *models.ResearchState
}

// Snapshot is a unified view of the most recent run's state.
type Snapshot struct {
	StartedAt    time.Time                         `json:"started_at"`
	Uptime       time.Duration                     `json:"uptime"`
	RunID        string                            `json:"run_id,omitempty"`
	Tier         string                            `json:"tier,omitempty"`
	TotalCost    float64                           `json:"total_cost"`
	TotalTokens  int                               `json:"total_tokens"`
	FractionUsed float64                           `json:"fraction_used"`
	Providers    map[string]budget.ProviderUsage   `json:"providers,omitempty"`
	Stages       map[string]StageCounts            `json:"stages,omitempty"`
}

// StageCounts aggregates stage outcomes for the snapshot.
type StageCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Engine composes all subsystems behind a single facade.
type Engine struct {
	cfg             Config
	strategies      Strategies
	logger          logging.Logger
	metricsProvider intmetrics.Provider
	bus             telemEvents.Bus
	coordinator     *shutdown.Coordinator
	startedAt       time.Time

	stageCounter intmetrics.Counter
	costGauge    intmetrics.Gauge
	tierGauge    intmetrics.Gauge

	observersMu sync.RWMutex
	observers   []EventObserver

	runMu      sync.Mutex
	currentRun *runtimeState
}

// runtimeState tracks the live run for snapshots.
type runtimeState struct {
	runID   string
	tracker *budget.Tracker
	ctrl    *degrade.Controller
	stages  map[string]*StageCounts
	stageMu sync.Mutex
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger overrides the default slog-backed logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs an Engine with the supplied configuration.
func New(cfg Config, opts ...Option) (*Engine, error) {
	return NewWithStrategies(cfg, Strategies{}, opts...)
}

// NewWithStrategies constructs an Engine with custom collaborators (stub
// providers in tests, alternative extractors in embedders).
func NewWithStrategies(cfg Config, strategies Strategies, opts ...Option) (*Engine, error) {
	cfg = cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		strategies: strategies,
		logger:     logging.New(nil),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metricsProvider = selectMetricsProvider(cfg)
	e.bus = telemEvents.NewBus(e.metricsProvider)
	e.coordinator = shutdown.NewCoordinator(nil)
	if e.metricsProvider != nil {
		e.stageCounter = e.metricsProvider.NewCounter(intmetrics.CounterOpts{CommonOpts: intmetrics.CommonOpts{Namespace: "delver", Subsystem: "pipeline", Name: "stages_total", Help: "Stage invocations by node and outcome", Labels: []string{"node", "outcome"}}})
		e.costGauge = e.metricsProvider.NewGauge(intmetrics.GaugeOpts{CommonOpts: intmetrics.CommonOpts{Namespace: "delver", Subsystem: "budget", Name: "cost_usd", Help: "Cumulative run cost in USD"}})
		e.tierGauge = e.metricsProvider.NewGauge(intmetrics.GaugeOpts{CommonOpts: intmetrics.CommonOpts{Namespace: "delver", Subsystem: "degrade", Name: "tier", Help: "Active degradation tier (0=full,1=reduced,2=cached,3=partial)"}})
	}
	return e, nil
}

// selectMetricsProvider picks a backend from configuration.
func selectMetricsProvider(cfg Config) intmetrics.Provider {
	if !cfg.Telemetry.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.Telemetry.MetricsBackend) {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTelProvider(intmetrics.OTelProviderOptions{ServiceName: "delver"})
	case "noop":
		return intmetrics.NewNoopProvider()
	default:
		return intmetrics.NewPrometheusProvider(intmetrics.PrometheusProviderOptions{})
	}
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only); nil when unavailable.
func (e *Engine) MetricsHandler() http.Handler {
	if e == nil || e.metricsProvider == nil {
		return nil
	}
	if hp, ok := e.metricsProvider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Shutdown returns the run coordinator; the CLI feeds interrupt signals
// into it.
func (e *Engine) Shutdown() *shutdown.Coordinator { return e.coordinator }

// RegisterEventObserver adds an observer invoked synchronously for each
// telemetry event. Safe for concurrent use; nil observers are ignored.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if e == nil || obs == nil {
		return
	}
	e.observersMu.Lock()
	e.observers = append(e.observers, obs)
	e.observersMu.Unlock()
}

func (e *Engine) dispatchEvent(ev telemEvents.Event) {
	_ = e.bus.Publish(ev)
	e.observersMu.RLock()
	if len(e.observers) == 0 {
		e.observersMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), e.observers...)
	e.observersMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, RunID: ev.RunID, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers { // synchronous; observers must be fast
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// Run starts a fresh research run for query.
func (e *Engine) Run(ctx context.Context, query string) (*Result, error) {
	runID := uuid.NewString()
	state := models.NewResearchState(runID, query)
	return e.execute(ctx, runID, state, false)
}

// Resume continues a run from its latest valid checkpoint. Corrupt
// checkpoints are quarantined during recovery; with no recoverable
// checkpoint at all Resume returns an error and does not restart the run.
func (e *Engine) Resume(ctx context.Context, runID string) (*Result, error) {
	store, err := checkpoint.NewStore(e.runDir(runID), e.cfg.Checkpoints.MaxKeep)
	if err != nil {
		return nil, err
	}
	state, step, err := store.LoadLatest()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s has no recoverable checkpoint", runID)
		}
		return nil, err
	}
	e.logger.InfoCtx(ctx, "resuming run", "run_id", runID, "checkpoint_step", step, "next_node", state.NextNode)
	return e.execute(ctx, runID, state, true)
}

func (e *Engine) runDir(runID string) string {
	return filepath.Join(e.cfg.Checkpoints.Dir, runID)
}

// execute wires the per-run collaborators and drives the executor.
func (e *Engine) execute(ctx context.Context, runID string, state *models.ResearchState, resumed bool) (*Result, error) {
	dir := e.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	store, err := checkpoint.NewStore(dir, e.cfg.Checkpoints.MaxKeep)
	if err != nil {
		return nil, err
	}
	log, err := eventlog.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = log.Close() }()

	tracker := budget.NewTracker(budget.Config{
		MaxCost:        e.cfg.Costs.MaxPerRun,
		WarnFraction:   e.cfg.Costs.WarnFraction,
		ReduceFraction: e.cfg.Costs.ReduceFraction,
		CacheFraction:  e.cfg.Costs.CacheFraction,
	})
	if resumed {
		tracker.Seed(state.TotalCost, state.TotalTokens)
	}

	ctrl := degrade.NewController(func(tr degrade.Transition) {
		_ = log.Append(eventlog.Entry{
			StepID:  log.NextStepID(),
			Event:   eventlog.EventTierChange,
			Payload: map[string]any{"old": string(tr.From), "new": string(tr.To), "reason": tr.Reason},
		})
		e.dispatchEvent(telemEvents.Event{Category: telemEvents.CategoryTier, Type: "tier_change", RunID: runID, Fields: map[string]any{"old": string(tr.From), "new": string(tr.To), "reason": tr.Reason}})
		if e.tierGauge != nil {
			e.tierGauge.Set(tierValue(tr.To))
		}
	})
	if resumed && state.DegradationTier != "" {
		ctrl.Restore(degrade.Tier(state.DegradationTier))
	}

	router := e.buildRouter(tracker, log)
	searchSvc := e.buildSearchService(router, ctrl)
	scraper := e.buildScraper()
	progress := report.NewProgressWriter(filepath.Join(dir, "progress.md"))
	if err := progress.Init(state.Query); err != nil {
		return nil, err
	}

	rt := &runtimeState{runID: runID, tracker: tracker, ctrl: ctrl, stages: make(map[string]*StageCounts)}
	e.runMu.Lock()
	e.currentRun = rt
	e.runMu.Unlock()

	exec := executor.New(executor.Deps{
		Router:      router,
		Search:      searchSvc,
		Scraper:     scraper,
		Progress:    progress,
		Budget:      tracker,
		Degrade:     ctrl,
		Shutdown:    e.coordinator,
		Events:      log,
		Checkpoints: store,
		Assemble:    e.assembleFunc(),
		Logger:      e.logger,
		Tracer:      otel.Tracer("delver"),
		OnStage: func(node string, success bool) {
			outcome := "success"
			if !success {
				outcome = "failure"
			}
			if e.stageCounter != nil {
				e.stageCounter.Inc(1, node, outcome)
			}
			if e.costGauge != nil {
				cost, _ := tracker.Totals()
				e.costGauge.Set(cost)
			}
			rt.recordStage(node, success)
			e.dispatchEvent(telemEvents.Event{Category: telemEvents.CategoryPipeline, Type: "stage", RunID: runID, Labels: map[string]string{"node": node, "outcome": outcome}})
		},
	}, executor.Config{
		Temperature: e.cfg.LLM.Temperature,
		LLMTimeout:  e.cfg.LLMTimeout(),
		RunDeadline: time.Duration(e.cfg.Run.DeadlineSeconds) * time.Second,
	})

	finalState, runErr := exec.Run(ctx, state)
	result := &Result{RunID: runID, State: finalState}
	if finalState != nil && finalState.FinalReport != "" {
		path, werr := e.writeReport(runID, finalState.FinalReport)
		if werr != nil && runErr == nil {
			runErr = werr
		}
		result.ReportPath = path
	}
	return result, runErr
}

func (rt *runtimeState) recordStage(node string, success bool) {
	rt.stageMu.Lock()
	defer rt.stageMu.Unlock()
	counts := rt.stages[node]
	if counts == nil {
		counts = &StageCounts{}
		rt.stages[node] = counts
	}
	if success {
		counts.Succeeded++
	} else {
		counts.Failed++
	}
}

// buildRouter assembles the provider chain, preferring injected strategies.
func (e *Engine) buildRouter(tracker *budget.Tracker, log *eventlog.Log) *llm.Router {
	primary := e.strategies.LLMPrimary
	if primary == nil && e.cfg.LLM.AnthropicAPIKey != "" {
		primary = llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:  e.cfg.LLM.AnthropicAPIKey,
			Model:   e.cfg.LLM.PrimaryModel,
			Pricing: llm.Pricing{InputPerMTok: e.cfg.LLM.PrimaryInputPerMTok, OutputPerMTok: e.cfg.LLM.PrimaryOutputPerMTok},
		})
	}
	fallback := e.strategies.LLMFallback
	if fallback == nil && e.cfg.LLM.OpenAIAPIKey != "" {
		fallback = llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    "openai",
			APIKey:  e.cfg.LLM.OpenAIAPIKey,
			BaseURL: e.cfg.LLM.OpenAIBaseURL,
			Model:   e.cfg.LLM.FallbackModel,
			Pricing: llm.Pricing{InputPerMTok: e.cfg.LLM.FallbackInputPerMTok, OutputPerMTok: e.cfg.LLM.FallbackOutputPerMTok},
		})
	}
	budgetProvider := e.strategies.LLMBudget
	if budgetProvider == nil && e.cfg.LLM.OpenAIAPIKey != "" {
		budgetProvider = llm.NewOpenAIProvider(llm.OpenAIConfig{
			Name:    "openai-budget",
			APIKey:  e.cfg.LLM.OpenAIAPIKey,
			BaseURL: e.cfg.LLM.OpenAIBaseURL,
			Model:   e.cfg.LLM.BudgetModel,
			Pricing: llm.Pricing{InputPerMTok: e.cfg.LLM.BudgetInputPerMTok, OutputPerMTok: e.cfg.LLM.BudgetOutputPerMTok},
		})
	}
	return llm.NewRouter(primary, fallback, budgetProvider, tracker, llm.WithObserver(func(a llm.Attempt) {
		event := eventlog.EventNodeEnter
		payload := map[string]any{"provider": a.Provider, "intent": string(a.Intent), "attempt": a.Attempt}
		if a.Phase == "exit" {
			event = eventlog.EventNodeExit
			payload["latency_ms"] = a.Latency.Milliseconds()
			if a.Err != nil {
				payload["error"] = a.Err.Error()
			}
		}
		_ = log.Append(eventlog.Entry{StepID: log.NextStepID(), Event: event, Node: "llm:" + a.Provider, Payload: payload})
	}))
}

func (e *Engine) buildSearchService(router *llm.Router, ctrl *degrade.Controller) *search.Service {
	providers := e.strategies.SearchProviders
	if len(providers) == 0 {
		if e.cfg.Search.TavilyAPIKey != "" {
			providers = append(providers, &search.TavilyProvider{APIKey: e.cfg.Search.TavilyAPIKey})
		}
		if e.cfg.Search.SearxNGURL != "" {
			providers = append(providers, &search.SearxNGProvider{BaseURL: e.cfg.Search.SearxNGURL})
		}
	}
	expander := func(ctx context.Context, subtopic models.Subtopic, k int) ([]string, error) {
		return expandQueries(ctx, router, ctrl, subtopic, k, e.cfg.LLM.Temperature)
	}
	return search.NewService(providers, expander, search.Config{
		MaxResults:     e.cfg.Search.MaxResults,
		Depth:          search.Depth(e.cfg.Search.Depth),
		MinScore:       e.cfg.Search.MinScore,
		MaxConcurrent:  int64(e.cfg.Search.MaxConcurrent),
		InterCallDelay: time.Duration(e.cfg.Search.InterCallDelayMS) * time.Millisecond,
	})
}

func (e *Engine) buildScraper() *scrape.Scraper {
	primary := e.strategies.PrimaryExtractor
	if primary == nil {
		primary = &scrape.ReadabilityExtractor{UserAgent: e.cfg.Scrape.UserAgent}
	}
	fallback := e.strategies.FallbackExtractor
	if fallback == nil && e.strategies.PrimaryExtractor == nil {
		fallback = &scrape.CollyExtractor{UserAgent: e.cfg.Scrape.UserAgent}
	}
	return scrape.NewScraper(primary, fallback, scrape.Config{
		QualityReject: e.cfg.Scrape.QualityReject,
		QualityAccept: e.cfg.Scrape.QualityAccept,
		Timeout:       time.Duration(e.cfg.Scrape.TimeoutSeconds) * time.Second,
		MaxConcurrent: e.cfg.Scrape.MaxConcurrent,
	})
}

func (e *Engine) assembleFunc() executor.AssembleFunc {
	return func(state *models.ResearchState, execSummary, conclusions string, gaps []string) (string, models.ReportMetadata, []string, error) {
		return report.Assemble(report.AssembleInput{
			Query:            state.Query,
			ExecutiveSummary: execSummary,
			Conclusions:      conclusions,
			Summaries:        state.SubtopicSummaries,
			CoverageGaps:     gaps,
			Model:            e.cfg.LLM.PrimaryModel,
			MaxWords:         e.cfg.Report.MaxWords,
		})
	}
}

func (e *Engine) writeReport(runID, doc string) (string, error) {
	if err := os.MkdirAll(e.cfg.Report.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	path := filepath.Join(e.cfg.Report.OutputDir, fmt.Sprintf("report_%s.md", runID))
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Snapshot returns a unified view of the most recent run.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{StartedAt: e.startedAt, Uptime: time.Since(e.startedAt)}
	e.runMu.Lock()
	rt := e.currentRun
	e.runMu.Unlock()
	if rt == nil {
		return snap
	}
	snap.RunID = rt.runID
	snap.Tier = string(rt.ctrl.Tier())
	snap.TotalCost, snap.TotalTokens = rt.tracker.Totals()
	snap.FractionUsed = rt.tracker.FractionUsed()
	snap.Providers = rt.tracker.ProviderUsageSnapshot()
	rt.stageMu.Lock()
	snap.Stages = make(map[string]StageCounts, len(rt.stages))
	for node, counts := range rt.stages {
		snap.Stages[node] = *counts
	}
	rt.stageMu.Unlock()
	return snap
}

// MaxCostTracker exposes the live tracker for budget hot-reload; nil when no
// run is active.
func (e *Engine) MaxCostTracker() *budget.Tracker {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.currentRun == nil {
		return nil
	}
	return e.currentRun.tracker
}

func tierValue(t degrade.Tier) float64 {
	switch t {
	case degrade.TierFull:
		return 0
	case degrade.TierReduced:
		return 1
	case degrade.TierCached:
		return 2
	default:
		return 3
	}
}

// expandQueries asks the router for k query variants (one direct, one
// broader, one narrower) and parses them line by line.
func expandQueries(ctx context.Context, router *llm.Router, ctrl *degrade.Controller, subtopic models.Subtopic, k int, temperature float32) ([]string, error) {
	prompt := fmt.Sprintf("Subtopic: %s\nWrite %d distinct web search queries: the first direct, then one broader, then one narrower. One per line, no numbering.", subtopic.Title, k)
	comp, err := router.Call(ctx, llm.Request{
		System:      "You generate web search queries. Output only the queries, one per line.",
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   256,
		Intent:      llm.IntentJudge,
	}, ctrl.Tier())
	if err != nil {
		return nil, err
	}
	var queries []string
	for _, line := range strings.Split(comp.Text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•0123456789. "))
		if line != "" {
			queries = append(queries, line)
		}
	}
	if len(queries) > k {
		queries = queries[:k]
	}
	return queries, nil
}
