package models

import (
	"encoding/json"
	"sort"
)

// SchemaVersion is the current on-disk state schema. Loaders migrate older
// checkpoints forward one version at a time; versions are only ever bumped
// by additive changes.
const SchemaVersion = 1

// URLSet is a string set that serializes as a sorted JSON array so that
// state bytes are stable across runs.
type URLSet map[string]struct{}

func (s URLSet) MarshalJSON() ([]byte, error) {
	urls := make([]string, 0, len(s))
	for u := range s {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return json.Marshal(urls)
}

func (s *URLSet) UnmarshalJSON(data []byte) error {
	var urls []string
	if err := json.Unmarshal(data, &urls); err != nil {
		return err
	}
	set := make(URLSet, len(urls))
	for _, u := range urls {
		set[u] = struct{}{}
	}
	*s = set
	return nil
}

// Contains reports set membership; safe on a nil set.
func (s URLSet) Contains(u string) bool {
	_, ok := s[u]
	return ok
}

// ResearchState is the single unit of work carried through the pipeline.
// The executor is its sole mutator: stages return Update deltas which are
// folded in via Apply. Fields with append semantics accumulate; scalar
// fields are overwritten; SeenURLs is union-merged.
type ResearchState struct {
	SchemaVersion        int               `json:"_schema_version"`
	RunID                string            `json:"run_id"`
	Query                string            `json:"query"`
	Subtopics            []Subtopic        `json:"subtopics,omitempty"`
	CurrentSubtopicIndex int               `json:"current_subtopic_index"`
	SearchResults        []SearchResult    `json:"search_results,omitempty"`
	ScrapedPages         []ScrapedPage     `json:"scraped_pages,omitempty"`
	SubtopicSummaries    []SubtopicSummary `json:"subtopic_summaries,omitempty"`
	SeenURLs             URLSet            `json:"seen_urls"`
	Errors               []StageError      `json:"errors,omitempty"`
	FinalReport          string            `json:"final_report,omitempty"`
	ReportMetadata       *ReportMetadata   `json:"report_metadata,omitempty"`
	TotalCost            float64           `json:"total_cost"`
	TotalTokens          int               `json:"total_tokens"`
	DegradationTier      string            `json:"degradation_tier,omitempty"`
	NextNode             string            `json:"next_node,omitempty"`
}

// NewResearchState seeds a fresh state for a run.
func NewResearchState(runID, query string) *ResearchState {
	return &ResearchState{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Query:         query,
		SeenURLs:      make(URLSet),
	}
}

// Update is a partial state delta returned by a stage. Slice fields append,
// SeenURLs unions, pointer fields overwrite when non-nil. EvictContentFor
// names subtopics whose scraped page content should be dropped after
// summarization (observation masking). StatusUpdates adjusts individual
// subtopic statuses without replacing the whole slice.
type Update struct {
	Subtopics            []Subtopic
	StatusUpdates        map[string]SubtopicStatus
	CurrentSubtopicIndex *int
	SearchResults        []SearchResult
	ScrapedPages         []ScrapedPage
	SubtopicSummaries    []SubtopicSummary
	SeenURLs             []string
	Errors               []StageError
	FinalReport          *string
	ReportMetadata       *ReportMetadata
	TotalCost            *float64
	TotalTokens          *int
	DegradationTier      *string
	NextNode             *string
	EvictContentFor      []string
}

// Apply folds an update into prev and returns the successor state. prev is
// never mutated; applying a zero Update yields an equal state.
func Apply(prev *ResearchState, delta Update) *ResearchState {
	next := prev.Clone()

	if delta.Subtopics != nil {
		next.Subtopics = append([]Subtopic(nil), delta.Subtopics...)
	}
	for id, status := range delta.StatusUpdates {
		for i := range next.Subtopics {
			if next.Subtopics[i].ID == id {
				next.Subtopics[i].Status = status
			}
		}
	}
	if delta.CurrentSubtopicIndex != nil {
		next.CurrentSubtopicIndex = *delta.CurrentSubtopicIndex
	}
	next.SearchResults = append(next.SearchResults, delta.SearchResults...)
	next.ScrapedPages = append(next.ScrapedPages, delta.ScrapedPages...)
	next.SubtopicSummaries = append(next.SubtopicSummaries, delta.SubtopicSummaries...)
	if next.SeenURLs == nil {
		next.SeenURLs = make(URLSet)
	}
	for _, u := range delta.SeenURLs {
		next.SeenURLs[u] = struct{}{}
	}
	next.Errors = append(next.Errors, delta.Errors...)
	if delta.FinalReport != nil {
		next.FinalReport = *delta.FinalReport
	}
	if delta.ReportMetadata != nil {
		meta := *delta.ReportMetadata
		next.ReportMetadata = &meta
	}
	if delta.TotalCost != nil {
		next.TotalCost = *delta.TotalCost
	}
	if delta.TotalTokens != nil {
		next.TotalTokens = *delta.TotalTokens
	}
	if delta.DegradationTier != nil {
		next.DegradationTier = *delta.DegradationTier
	}
	if delta.NextNode != nil {
		next.NextNode = *delta.NextNode
	}
	for _, id := range delta.EvictContentFor {
		for i := range next.ScrapedPages {
			if next.ScrapedPages[i].SubtopicID == id {
				next.ScrapedPages[i].Content = ""
			}
		}
	}
	return next
}

// Clone returns a deep copy so downstream mutation cannot alias prior
// checkpointed state.
func (s *ResearchState) Clone() *ResearchState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Subtopics = cloneSubtopics(s.Subtopics)
	cp.SearchResults = append([]SearchResult(nil), s.SearchResults...)
	cp.ScrapedPages = append([]ScrapedPage(nil), s.ScrapedPages...)
	cp.SubtopicSummaries = cloneSummaries(s.SubtopicSummaries)
	cp.Errors = append([]StageError(nil), s.Errors...)
	if s.SeenURLs != nil {
		cp.SeenURLs = make(URLSet, len(s.SeenURLs))
		for u := range s.SeenURLs {
			cp.SeenURLs[u] = struct{}{}
		}
	}
	if s.ReportMetadata != nil {
		meta := *s.ReportMetadata
		meta.CoverageGaps = append([]string(nil), s.ReportMetadata.CoverageGaps...)
		cp.ReportMetadata = &meta
	}
	return &cp
}

func cloneSubtopics(in []Subtopic) []Subtopic {
	if in == nil {
		return nil
	}
	out := make([]Subtopic, len(in))
	for i, st := range in {
		out[i] = st
		out[i].SearchQueries = append([]string(nil), st.SearchQueries...)
	}
	return out
}

func cloneSummaries(in []SubtopicSummary) []SubtopicSummary {
	if in == nil {
		return nil
	}
	out := make([]SubtopicSummary, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Citations = append([]string(nil), s.Citations...)
	}
	return out
}

// MarshalState serializes state for checkpointing. Key order follows struct
// order, sets come out sorted, and timestamps are RFC 3339 UTC, so identical
// states produce identical bytes.
func MarshalState(s *ResearchState) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// UnmarshalState tolerates unknown fields for forward compatibility.
func UnmarshalState(data []byte) (*ResearchState, error) {
	var s ResearchState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.SeenURLs == nil {
		s.SeenURLs = make(URLSet)
	}
	return &s, nil
}

// SummaryFor returns the summary recorded for a subtopic, if any.
func (s *ResearchState) SummaryFor(subtopicID string) (SubtopicSummary, bool) {
	for _, sum := range s.SubtopicSummaries {
		if sum.SubtopicID == subtopicID {
			return sum, true
		}
	}
	return SubtopicSummary{}, false
}

// PagesFor returns scraped pages belonging to a subtopic, preserving order.
func (s *ResearchState) PagesFor(subtopicID string) []ScrapedPage {
	var pages []ScrapedPage
	for _, p := range s.ScrapedPages {
		if p.SubtopicID == subtopicID {
			pages = append(pages, p)
		}
	}
	return pages
}

// ResultsFor returns search results belonging to a subtopic, preserving order.
func (s *ResearchState) ResultsFor(subtopicID string) []SearchResult {
	var results []SearchResult
	for _, r := range s.SearchResults {
		if r.SubtopicID == subtopicID {
			results = append(results, r)
		}
	}
	return results
}
