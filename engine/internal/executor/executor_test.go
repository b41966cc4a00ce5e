package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
)

// scriptedLLM answers by intent so runs are fully deterministic.
type scriptedLLM struct {
	name        string
	costPerCall float64
	mu          sync.Mutex
	calls       map[llm.Intent]int
}

func newScriptedLLM(name string, costPerCall float64) *scriptedLLM {
	return &scriptedLLM{name: name, costPerCall: costPerCall, calls: make(map[llm.Intent]int)}
}

func (s *scriptedLLM) Name() string { return s.name }

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	s.mu.Lock()
	s.calls[req.Intent]++
	s.mu.Unlock()
	var text string
	switch req.Intent {
	case llm.IntentPlan:
		text = `[
			{"title":"Indexing structures","description":"ANN indexes","queries":["vector database indexing"]},
			{"title":"Query semantics","description":"filtered kNN","queries":["vector database querying"]},
			{"title":"Operational tradeoffs","description":"scaling","queries":["vector database operations"]}
		]`
	case llm.IntentSummarize:
		text = "This subtopic is well understood; the gathered sources agree on the fundamentals and the practical tradeoffs involved."
	case llm.IntentSynthesize:
		text = "Vector databases index embeddings for similarity search at scale.\n---\nThey behave like ordinary infrastructure with unusual index structures."
	default:
		text = "query one\nquery two\nquery three"
	}
	return &llm.Completion{Text: text, InputTokens: 200, OutputTokens: 100, CostUSD: s.costPerCall, Model: s.name + "-model"}, nil
}

func (s *scriptedLLM) callCount(intent llm.Intent) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[intent]
}

// scriptedSearch returns three scored hits per query, keyed off the
// subtopic-tagged query the test expander produces.
type scriptedSearch struct {
	mu       sync.Mutex
	queries  []string
	failFor  map[string]error        // subtopic id -> error
	hitsFor  func(subtopicID string) []search.Hit
}

func (s *scriptedSearch) Name() string { return "scripted" }

func (s *scriptedSearch) Search(ctx context.Context, query string, maxResults int, depth search.Depth) ([]search.Hit, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	subtopicID := strings.SplitN(query, ":", 2)[0]
	if err, ok := s.failFor[subtopicID]; ok {
		return nil, err
	}
	if s.hitsFor != nil {
		return s.hitsFor(subtopicID), nil
	}
	return []search.Hit{
		{URL: fmt.Sprintf("https://example.com/%s/primary", subtopicID), Title: "primary", Score: 0.9},
		{URL: fmt.Sprintf("https://example.com/%s/secondary", subtopicID), Title: "secondary", Score: 0.8},
		{URL: fmt.Sprintf("https://example.com/%s/tertiary", subtopicID), Title: "tertiary", Score: 0.7},
	}, nil
}

// scriptedExtractor returns a 300-word page for every URL.
type scriptedExtractor struct{}

func (scriptedExtractor) Name() string { return "scripted" }

func (scriptedExtractor) Extract(ctx context.Context, url string, timeout time.Duration) (*scrape.Extraction, error) {
	return &scrape.Extraction{
		URL:       url,
		Title:     "Page " + url,
		Content:   strings.Repeat("evidence rich sentence about the research question ", 43),
		FetchedAt: time.Now().UTC(),
	}, nil
}

type testEnv struct {
	dir       string
	llm       *scriptedLLM
	search    *scriptedSearch
	store     *checkpoint.Store
	log       *eventlog.Log
	tracker   *budget.Tracker
	ctrl      *degrade.Controller
	coord     *shutdown.Coordinator
	progress  *report.ProgressWriter
	exec      *Executor
	tierMoves []degrade.Transition
}

type envOptions struct {
	maxCost     float64
	costPerCall float64
	maxKeep     int
	failSearch  map[string]error
	hitsFor     func(subtopicID string) []search.Hit
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.maxCost <= 0 {
		opts.maxCost = 2.0
	}
	if opts.costPerCall <= 0 {
		opts.costPerCall = 0.001
	}
	if opts.maxKeep <= 0 {
		opts.maxKeep = 100
	}
	dir := t.TempDir()
	env := &testEnv{dir: dir}

	env.llm = newScriptedLLM("stub", opts.costPerCall)
	env.search = &scriptedSearch{failFor: opts.failSearch, hitsFor: opts.hitsFor}

	var err error
	env.store, err = checkpoint.NewStore(dir, opts.maxKeep)
	require.NoError(t, err)
	env.log, err = eventlog.Open(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.log.Close() })

	env.tracker = budget.NewTracker(budget.Config{MaxCost: opts.maxCost})
	env.ctrl = degrade.NewController(func(tr degrade.Transition) {
		env.tierMoves = append(env.tierMoves, tr)
	})
	env.coord = shutdown.NewCoordinator(nil)
	env.progress = report.NewProgressWriter(filepath.Join(dir, "progress.md"))
	require.NoError(t, env.progress.Init("test query"))

	router := llm.NewRouter(env.llm, nil, nil, env.tracker,
		llm.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))

	expander := func(ctx context.Context, subtopic models.Subtopic, k int) ([]string, error) {
		queries := make([]string, 0, k)
		for i := 0; i < k; i++ {
			queries = append(queries, fmt.Sprintf("%s:query-%d", subtopic.ID, i+1))
		}
		return queries, nil
	}
	searchSvc := search.NewService([]search.Provider{env.search}, expander, search.Config{
		InterCallDelay: time.Millisecond,
		RetryBase:      time.Millisecond,
		RetryCap:       2 * time.Millisecond,
	})
	searchSvc.SetSleeper(func(ctx context.Context, d time.Duration) error { return nil })

	scraper := scrape.NewScraper(scriptedExtractor{}, nil, scrape.Config{})

	assemble := func(state *models.ResearchState, execSummary, conclusions string, gaps []string) (string, models.ReportMetadata, []string, error) {
		return report.Assemble(report.AssembleInput{
			Query:            state.Query,
			ExecutiveSummary: execSummary,
			Conclusions:      conclusions,
			Summaries:        state.SubtopicSummaries,
			CoverageGaps:     gaps,
			MaxWords:         10000,
		})
	}

	env.exec = New(Deps{
		Router:      router,
		Search:      searchSvc,
		Scraper:     scraper,
		Progress:    env.progress,
		Budget:      env.tracker,
		Degrade:     env.ctrl,
		Shutdown:    env.coord,
		Events:      env.log,
		Checkpoints: env.store,
		Assemble:    assemble,
	}, Config{})
	return env
}

func TestHappyPathProducesCitedReport(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	state, err := env.exec.Run(context.Background(), models.NewResearchState("run-1", "What is a vector database?"))
	require.NoError(t, err)

	require.Len(t, state.Subtopics, 3)
	for _, subtopic := range state.Subtopics {
		assert.Equal(t, models.SubtopicDone, subtopic.Status)
	}
	require.Len(t, state.SubtopicSummaries, 3)
	assert.Equal(t, 3, state.CurrentSubtopicIndex)

	assert.Contains(t, state.FinalReport, "## Executive Summary")
	assert.Contains(t, state.FinalReport, "## Key Findings")
	assert.Contains(t, state.FinalReport, "## Sources")
	assert.NotContains(t, state.FinalReport, "## Coverage Gaps")
	require.NotNil(t, state.ReportMetadata)
	assert.GreaterOrEqual(t, state.ReportMetadata.SourceCount, 3)
	assert.Greater(t, state.TotalCost, 0.0)
	assert.Greater(t, state.TotalTokens, 0)

	// seen_urls holds every URL that ever appeared in a search result.
	for _, result := range state.SearchResults {
		assert.True(t, state.SeenURLs.Contains(result.URL))
	}

	// Raw content was evicted after summarization (observation masking)
	// while the page records survive for citation validation.
	for _, page := range state.ScrapedPages {
		assert.Empty(t, page.Content)
	}

	// 1 plan + 3x(search, scrape, summarize) + synthesize = 11 checkpoints.
	steps, err := env.store.Steps()
	require.NoError(t, err)
	assert.Equal(t, 11, len(steps))

	entries, err := eventlog.Read(filepath.Join(env.dir, "events.jsonl"))
	require.NoError(t, err)
	var checkpointEvents int
	for _, entry := range entries {
		if entry.Event == eventlog.EventCheckpointWritten {
			checkpointEvents++
		}
	}
	assert.Equal(t, 11, checkpointEvents)
}

func TestTotalsAreMonotonicAcrossCheckpoints(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	_, err := env.exec.Run(context.Background(), models.NewResearchState("run-1", "q"))
	require.NoError(t, err)

	steps, err := env.store.Steps()
	require.NoError(t, err)
	prevCost := -1.0
	prevTokens := -1
	for _, step := range steps {
		st, err := env.store.Load(step)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.TotalCost, prevCost)
		assert.GreaterOrEqual(t, st.TotalTokens, prevTokens)
		assert.LessOrEqual(t, len(st.SubtopicSummaries), len(st.Subtopics))
		prevCost, prevTokens = st.TotalCost, st.TotalTokens
	}
}

func TestBudgetExceededDegradesToPartialWithCoverageGaps(t *testing.T) {
	env := newTestEnv(t, envOptions{maxCost: 0.10, costPerCall: 0.06})
	state, err := env.exec.Run(context.Background(), models.NewResearchState("run-1", "q"))
	require.NoError(t, err)

	// Plan costs 0.06 (fraction 0.6, still FULL); the first summarize pushes
	// spend to 0.12 and the tier cascades REDUCED -> CACHED -> PARTIAL.
	require.NotEmpty(t, env.tierMoves)
	assert.Equal(t, degrade.TierReduced, env.tierMoves[0].To)
	assert.Equal(t, degrade.TierPartial, env.tierMoves[len(env.tierMoves)-1].To)
	assert.Equal(t, degrade.TierPartial, env.ctrl.Tier())

	assert.Len(t, state.SubtopicSummaries, 1)
	assert.Contains(t, state.FinalReport, "## Coverage Gaps")
	assert.Contains(t, state.FinalReport, "s2:")
	assert.Contains(t, state.FinalReport, "s3:")
}

func TestAllSearchProvidersFailForOneSubtopic(t *testing.T) {
	env := newTestEnv(t, envOptions{
		failSearch: map[string]error{"s2": fmt.Errorf("provider gone: %w", models.ErrPermanent)},
	})
	state, err := env.exec.Run(context.Background(), models.NewResearchState("run-1", "q"))
	require.NoError(t, err)

	require.Len(t, state.Subtopics, 3)
	assert.Equal(t, models.SubtopicDone, state.Subtopics[0].Status)
	assert.Equal(t, models.SubtopicFailed, state.Subtopics[1].Status)
	assert.Equal(t, models.SubtopicDone, state.Subtopics[2].Status)

	assert.Len(t, state.SubtopicSummaries, 2)
	assert.Equal(t, 2, strings.Count(state.FinalReport, "\n### "))

	var s2Errors int
	for _, stageErr := range state.Errors {
		if stageErr.SubtopicID == "s2" {
			s2Errors++
		}
	}
	assert.GreaterOrEqual(t, s2Errors, 3, "at least one error per failed query")
}

func TestDuplicateURLAcrossSubtopicsIsScrapedOnce(t *testing.T) {
	shared := "https://example.com/shared"
	env := newTestEnv(t, envOptions{
		hitsFor: func(subtopicID string) []search.Hit {
			return []search.Hit{
				{URL: shared, Title: "shared", Score: 0.9},
				{URL: fmt.Sprintf("https://example.com/%s/own", subtopicID), Title: "own", Score: 0.8},
			}
		},
	})
	state, err := env.exec.Run(context.Background(), models.NewResearchState("run-1", "q"))
	require.NoError(t, err)

	var sharedPages, sharedResults int
	for _, page := range state.ScrapedPages {
		if page.URL == shared {
			sharedPages++
		}
	}
	for _, result := range state.SearchResults {
		if result.URL == shared {
			sharedResults++
		}
	}
	assert.Equal(t, 1, sharedPages, "duplicate URL must be scraped exactly once")
	assert.Equal(t, 1, sharedResults)
	assert.Equal(t, 1, strings.Count(state.FinalReport, shared), "one Sources entry for the shared URL")
	assert.True(t, state.SeenURLs.Contains(shared))
}

func TestShutdownDrainsToSynthesize(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	state := models.NewResearchState("run-1", "q")

	// Request a stop right after planning completes.
	env.exec.deps.OnStage = func(node string, success bool) {
		if node == string(NodePlan) {
			env.coord.Signal()
		}
	}
	final, err := env.exec.Run(context.Background(), state)
	require.NoError(t, err)
	assert.Empty(t, final.SubtopicSummaries)
	assert.Contains(t, final.FinalReport, "## Coverage Gaps")
	assert.NotEmpty(t, final.FinalReport)
}

func TestCrashAfterSecondSummarizeThenResume(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	state, err := env.exec.Run(context.Background(), models.NewResearchState("run-1", "What is a vector database?"))
	require.NoError(t, err)
	uninterruptedReport := state.FinalReport

	// Checkpoint 7 is the one written after the second summarize
	// (plan=1, then search/scrape/summarize per subtopic).
	crashed, err := env.store.Load(7)
	require.NoError(t, err)
	require.Len(t, crashed.SubtopicSummaries, 2)
	require.Equal(t, string(NodeSearch), crashed.NextNode)

	// Relaunch into a fresh environment seeded with the crashed state; the
	// progressive report survives the crash on disk.
	resumeEnv := newTestEnv(t, envOptions{})
	data, err := os.ReadFile(filepath.Join(env.dir, "progress.md"))
	require.NoError(t, err)
	// Simulate the progress file as it looked at the crash point: the third
	// section had not been written yet.
	truncated := data[:strings.Index(string(data), "## Operational tradeoffs")]
	require.NoError(t, os.WriteFile(filepath.Join(resumeEnv.dir, "progress.md"), truncated, 0o644))

	resumeEnv.tracker.Seed(crashed.TotalCost, crashed.TotalTokens)
	final, err := resumeEnv.exec.Run(context.Background(), crashed)
	require.NoError(t, err)

	// Exactly one more search/scrape/summarize cycle ran, then synthesize.
	assert.Equal(t, 1, resumeEnv.llm.callCount(llm.IntentSummarize))
	assert.Equal(t, 0, resumeEnv.llm.callCount(llm.IntentPlan))
	require.Len(t, final.SubtopicSummaries, 3)

	// Deterministic stubs make the resumed report identical to the
	// uninterrupted run's.
	assert.Equal(t, uninterruptedReport, final.FinalReport)

	progress, err := os.ReadFile(filepath.Join(resumeEnv.dir, "progress.md"))
	require.NoError(t, err)
	doc := string(progress)
	assert.Equal(t, 1, strings.Count(doc, "## Indexing structures"), "existing sections must not be rewritten")
	assert.Equal(t, 1, strings.Count(doc, "## Query semantics"))
	assert.Equal(t, 1, strings.Count(doc, "## Operational tradeoffs"))
}

func TestPlanInvalidIsFatal(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.llm.mu.Lock()
	env.llm.calls = make(map[llm.Intent]int)
	env.llm.mu.Unlock()

	// Replace the scripted plan with garbage by swapping the router for one
	// backed by a provider that cannot plan.
	garbage := &garbageLLM{}
	env.exec.deps.Router = llm.NewRouter(garbage, nil, nil, env.tracker,
		llm.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))

	_, err := env.exec.Run(context.Background(), models.NewResearchState("run-1", "q"))
	assert.ErrorIs(t, err, models.ErrPlanInvalid)
}

type garbageLLM struct{}

func (garbageLLM) Name() string { return "garbage" }

func (garbageLLM) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	return &llm.Completion{Text: "no structure here at all", OutputTokens: 3}, nil
}

func TestParsePlan(t *testing.T) {
	t.Run("json_array", func(t *testing.T) {
		subtopics, err := parsePlan(`[{"title":"A","queries":["qa"]},{"title":"B"}]`)
		require.NoError(t, err)
		require.Len(t, subtopics, 2)
		assert.Equal(t, "s1", subtopics[0].ID)
		assert.Equal(t, []string{"qa"}, subtopics[0].SearchQueries)
		assert.Equal(t, models.SubtopicPending, subtopics[1].Status)
	})

	t.Run("fenced_json", func(t *testing.T) {
		subtopics, err := parsePlan("```json\n[{\"title\":\"A\"}]\n```")
		require.NoError(t, err)
		assert.Len(t, subtopics, 1)
	})

	t.Run("bulleted_fallback", func(t *testing.T) {
		subtopics, err := parsePlan("Here is the plan:\n- First area\n- Second area\n1. Third area")
		require.NoError(t, err)
		assert.Len(t, subtopics, 3)
	})

	t.Run("unparseable_is_invalid", func(t *testing.T) {
		_, err := parsePlan("I cannot help with that.")
		assert.ErrorIs(t, err, models.ErrPlanInvalid)
	})
}
