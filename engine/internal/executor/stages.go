// Package executor drives the research state graph: the five stage
// functions, conditional routing, checkpoint cadence, and resume.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"delver/engine/internal/degrade"
	"delver/engine/internal/llm"
	"delver/engine/models"
)

// maxSubtopics bounds the plan; the model is asked for 3–7 and anything
// beyond is truncated.
const (
	minSubtopics = 3
	maxSubtopics = 7
)

// planStage turns the query into subtopics. Fatal on an unparseable plan.
func (e *Executor) planStage(ctx context.Context, state *models.ResearchState) (models.Update, error) {
	prompt := buildPlanPrompt(state.Query)
	comp, err := e.callModel(ctx, llm.Request{
		System:      planSystemPrompt,
		Prompt:      prompt,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.PlanMaxTokens,
		Intent:      llm.IntentPlan,
	})
	if err != nil {
		return models.Update{}, fmt.Errorf("plan: %w", err)
	}
	subtopics, err := parsePlan(comp.Text)
	if err != nil {
		return models.Update{}, err
	}
	if len(subtopics) > maxSubtopics {
		subtopics = subtopics[:maxSubtopics]
	}
	zero := 0
	return models.Update{Subtopics: subtopics, CurrentSubtopicIndex: &zero}, nil
}

// searchStage gathers ranked URLs for the current subtopic. In CACHED and
// PARTIAL tiers no new provider calls are made. Never fails the run.
func (e *Executor) searchStage(ctx context.Context, state *models.ResearchState) (models.Update, error) {
	subtopic, ok := currentSubtopic(state)
	if !ok {
		return models.Update{}, nil
	}
	tier := e.deps.Degrade.Tier()
	if tier == degrade.TierCached || tier == degrade.TierPartial {
		return models.Update{}, nil
	}
	update := models.Update{StatusUpdates: map[string]models.SubtopicStatus{subtopic.ID: models.SubtopicSearching}}

	k := 3
	if tier == degrade.TierReduced {
		k = 2
	}
	batch := e.deps.Search.Search(ctx, subtopic, k, state.SeenURLs)
	update.SearchResults = batch.Results
	update.SeenURLs = batch.SeenURLs
	update.Errors = batch.Errors
	if len(batch.Results) == 0 {
		update.StatusUpdates[subtopic.ID] = models.SubtopicFailed
	}
	return update, nil
}

// scrapeStage extracts content for the current subtopic's search results.
// URL failures land in errors; the run continues regardless.
func (e *Executor) scrapeStage(ctx context.Context, state *models.ResearchState) (models.Update, error) {
	subtopic, ok := currentSubtopic(state)
	if !ok || subtopic.Status == models.SubtopicFailed {
		return models.Update{}, nil
	}
	tier := e.deps.Degrade.Tier()
	if tier == degrade.TierCached || tier == degrade.TierPartial {
		return models.Update{}, nil
	}
	results := state.ResultsFor(subtopic.ID)
	if len(results) == 0 {
		return models.Update{}, nil
	}
	update := models.Update{StatusUpdates: map[string]models.SubtopicStatus{subtopic.ID: models.SubtopicScraping}}
	outcome := e.deps.Scraper.Scrape(ctx, results)
	update.ScrapedPages = outcome.Pages
	update.Errors = append(update.Errors, outcome.Errors...)
	return update, nil
}

// summarizeStage condenses the subtopic's pages into one summary, evicts the
// consumed raw content (observation masking), appends the progressive report
// section, and advances the subtopic cursor. Summarization failure is
// recorded and the run moves on.
func (e *Executor) summarizeStage(ctx context.Context, state *models.ResearchState) (models.Update, error) {
	subtopic, ok := currentSubtopic(state)
	if !ok {
		return models.Update{}, nil
	}
	nextIndex := state.CurrentSubtopicIndex + 1
	update := models.Update{
		CurrentSubtopicIndex: &nextIndex,
		StatusUpdates:        map[string]models.SubtopicStatus{},
	}
	pages := state.PagesFor(subtopic.ID)
	if len(pages) == 0 {
		update.StatusUpdates[subtopic.ID] = models.SubtopicFailed
		update.Errors = append(update.Errors, models.StageError{
			Stage:      "summarize",
			SubtopicID: subtopic.ID,
			Message:    "no scraped pages available",
			At:         time.Now().UTC(),
		})
		return update, nil
	}
	update.StatusUpdates[subtopic.ID] = models.SubtopicSummarizing

	short := e.deps.Degrade.Tier() != degrade.TierFull
	comp, err := e.callModel(ctx, llm.Request{
		System:      summarizeSystemPrompt,
		Prompt:      buildSummarizePrompt(state.Query, subtopic, pages, short),
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.summaryTokenBudget(short),
		Intent:      llm.IntentSummarize,
	})
	if err != nil {
		update.StatusUpdates[subtopic.ID] = models.SubtopicFailed
		update.Errors = append(update.Errors, models.StageError{
			Stage:      "summarize",
			SubtopicID: subtopic.ID,
			Message:    err.Error(),
			At:         time.Now().UTC(),
		})
		return update, nil
	}

	citations := make([]string, 0, len(pages))
	for _, page := range pages {
		citations = append(citations, page.URL)
	}
	summary := models.SubtopicSummary{
		SubtopicID: subtopic.ID,
		Title:      subtopic.Title,
		Summary:    strings.TrimSpace(comp.Text),
		Citations:  citations,
		TokenCount: comp.OutputTokens,
	}
	update.SubtopicSummaries = []models.SubtopicSummary{summary}
	update.StatusUpdates[subtopic.ID] = models.SubtopicDone
	update.EvictContentFor = []string{subtopic.ID}

	if e.deps.Progress != nil && !e.deps.Progress.HasSection(summary.Title) {
		if err := e.deps.Progress.AppendSection(summary); err != nil {
			e.logger().WarnCtx(ctx, "progressive report append failed", "error", err)
		}
	}
	return update, nil
}

// synthesizeStage produces the final report from whatever summaries exist.
// Fatal when the model chain is exhausted and no text can be produced.
func (e *Executor) synthesizeStage(ctx context.Context, state *models.ResearchState) (models.Update, error) {
	var gaps []string
	for _, subtopic := range state.Subtopics {
		if _, summarized := state.SummaryFor(subtopic.ID); !summarized {
			gaps = append(gaps, fmt.Sprintf("%s: %s", subtopic.ID, subtopic.Title))
		}
	}

	var execSummary, conclusions string
	if len(state.SubtopicSummaries) > 0 {
		comp, err := e.callModel(ctx, llm.Request{
			System:      synthesizeSystemPrompt,
			Prompt:      buildSynthesizePrompt(state.Query, state.SubtopicSummaries),
			Temperature: e.cfg.Temperature,
			MaxTokens:   e.cfg.SynthesizeMaxTokens,
			Intent:      llm.IntentSynthesize,
		})
		if err != nil {
			return models.Update{}, fmt.Errorf("synthesize: %w", err)
		}
		execSummary, conclusions = splitSynthesis(comp.Text)
	} else {
		execSummary = "No subtopics could be researched before the run degraded; see the coverage gaps below."
		conclusions = "The run ended without gathered evidence. Re-run with a higher budget or resume once providers recover."
	}

	doc, meta, warnings, err := e.deps.Assemble(state, execSummary, conclusions, gaps)
	if err != nil {
		return models.Update{}, fmt.Errorf("synthesize: assemble report: %w", err)
	}
	for _, warning := range warnings {
		e.logger().WarnCtx(ctx, "report validation", "warning", warning)
	}
	return models.Update{FinalReport: &doc, ReportMetadata: &meta}, nil
}

// callModel wraps a router call with the LLM timeout and the degradation
// bookkeeping shared by every model-backed stage.
func (e *Executor) callModel(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	callCtx := ctx
	if e.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.LLMTimeout)
		defer cancel()
	}
	comp, err := e.deps.Router.Call(callCtx, req, e.deps.Degrade.Tier())
	if err != nil {
		if errors.Is(err, models.ErrModelCallExhausted) {
			e.deps.Degrade.RecordExhaustion()
		}
		return nil, err
	}
	e.deps.Degrade.RecordSuccess()
	return comp, nil
}

func (e *Executor) summaryTokenBudget(short bool) int {
	budget := e.cfg.SummaryMaxTokens
	if budget <= 0 {
		budget = 1024
	}
	if short {
		budget /= 2
	}
	return budget
}

func currentSubtopic(state *models.ResearchState) (models.Subtopic, bool) {
	if state.CurrentSubtopicIndex < 0 || state.CurrentSubtopicIndex >= len(state.Subtopics) {
		return models.Subtopic{}, false
	}
	return state.Subtopics[state.CurrentSubtopicIndex], true
}
