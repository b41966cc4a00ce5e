package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyReducers(t *testing.T) {
	t.Run("append_fields_accumulate_in_order", func(t *testing.T) {
		state := NewResearchState("run-1", "q")
		state = Apply(state, Update{SearchResults: []SearchResult{{URL: "https://a", SubtopicID: "s1", Score: 0.9}}})
		state = Apply(state, Update{SearchResults: []SearchResult{{URL: "https://b", SubtopicID: "s1", Score: 0.8}}})
		require.Len(t, state.SearchResults, 2)
		assert.Equal(t, "https://a", state.SearchResults[0].URL)
		assert.Equal(t, "https://b", state.SearchResults[1].URL)
	})

	t.Run("seen_urls_union", func(t *testing.T) {
		state := NewResearchState("run-1", "q")
		state = Apply(state, Update{SeenURLs: []string{"https://a", "https://b"}})
		state = Apply(state, Update{SeenURLs: []string{"https://b", "https://c"}})
		assert.Len(t, state.SeenURLs, 3)
		assert.True(t, state.SeenURLs.Contains("https://a"))
		assert.True(t, state.SeenURLs.Contains("https://c"))
	})

	t.Run("scalar_overwrite", func(t *testing.T) {
		state := NewResearchState("run-1", "q")
		idx := 2
		reportText := "done"
		state = Apply(state, Update{CurrentSubtopicIndex: &idx, FinalReport: &reportText})
		assert.Equal(t, 2, state.CurrentSubtopicIndex)
		assert.Equal(t, "done", state.FinalReport)
	})

	t.Run("empty_delta_is_noop", func(t *testing.T) {
		state := NewResearchState("run-1", "q")
		state = Apply(state, Update{
			Subtopics:     []Subtopic{{ID: "s1", Title: "one", Status: SubtopicPending}},
			SearchResults: []SearchResult{{URL: "https://a", SubtopicID: "s1"}},
			SeenURLs:      []string{"https://a"},
		})
		before, err := MarshalState(state)
		require.NoError(t, err)
		after, err := MarshalState(Apply(state, Update{}))
		require.NoError(t, err)
		assert.Equal(t, string(before), string(after))
	})

	t.Run("input_state_is_not_mutated", func(t *testing.T) {
		state := NewResearchState("run-1", "q")
		state = Apply(state, Update{Subtopics: []Subtopic{{ID: "s1", Status: SubtopicPending}}})
		next := Apply(state, Update{StatusUpdates: map[string]SubtopicStatus{"s1": SubtopicDone}})
		assert.Equal(t, SubtopicPending, state.Subtopics[0].Status)
		assert.Equal(t, SubtopicDone, next.Subtopics[0].Status)
	})

	t.Run("content_eviction_masks_observations", func(t *testing.T) {
		state := NewResearchState("run-1", "q")
		state = Apply(state, Update{ScrapedPages: []ScrapedPage{
			{URL: "https://a", SubtopicID: "s1", Content: "long body"},
			{URL: "https://b", SubtopicID: "s2", Content: "keep me"},
		}})
		state = Apply(state, Update{EvictContentFor: []string{"s1"}})
		assert.Empty(t, state.ScrapedPages[0].Content)
		assert.Equal(t, "keep me", state.ScrapedPages[1].Content)
		assert.Equal(t, "https://a", state.ScrapedPages[0].URL)
	})
}

func TestStateSerialization(t *testing.T) {
	t.Run("seen_urls_marshal_sorted", func(t *testing.T) {
		state := NewResearchState("run-1", "q")
		state = Apply(state, Update{SeenURLs: []string{"https://z", "https://a", "https://m"}})
		data, err := MarshalState(state)
		require.NoError(t, err)
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		urls, ok := doc["seen_urls"].([]any)
		require.True(t, ok)
		require.Len(t, urls, 3)
		assert.Equal(t, "https://a", urls[0])
		assert.Equal(t, "https://z", urls[2])
	})

	t.Run("roundtrip_preserves_state", func(t *testing.T) {
		state := NewResearchState("run-1", "what is a vector database?")
		state = Apply(state, Update{
			Subtopics:         []Subtopic{{ID: "s1", Title: "indexing", SearchQueries: []string{"a"}, Status: SubtopicDone}},
			SubtopicSummaries: []SubtopicSummary{{SubtopicID: "s1", Title: "indexing", Summary: "text", Citations: []string{"https://a"}}},
			SeenURLs:          []string{"https://a"},
		})
		data, err := MarshalState(state)
		require.NoError(t, err)
		restored, err := UnmarshalState(data)
		require.NoError(t, err)
		assert.Equal(t, state.Query, restored.Query)
		assert.Equal(t, state.Subtopics, restored.Subtopics)
		assert.Equal(t, state.SubtopicSummaries, restored.SubtopicSummaries)
		assert.True(t, restored.SeenURLs.Contains("https://a"))
	})

	t.Run("unknown_fields_tolerated", func(t *testing.T) {
		data := []byte(`{"_schema_version":1,"run_id":"r","query":"q","seen_urls":[],"future_field":{"x":1}}`)
		restored, err := UnmarshalState(data)
		require.NoError(t, err)
		assert.Equal(t, "r", restored.RunID)
	})

	t.Run("identical_states_marshal_identically", func(t *testing.T) {
		build := func() *ResearchState {
			s := NewResearchState("run-1", "q")
			return Apply(s, Update{SeenURLs: []string{"https://b", "https://a"}})
		}
		a, err := MarshalState(build())
		require.NoError(t, err)
		b, err := MarshalState(build())
		require.NoError(t, err)
		assert.Equal(t, string(a), string(b))
	})
}

func TestStateAccessors(t *testing.T) {
	state := NewResearchState("run-1", "q")
	state = Apply(state, Update{
		SearchResults: []SearchResult{{URL: "https://a", SubtopicID: "s1"}, {URL: "https://b", SubtopicID: "s2"}},
		ScrapedPages:  []ScrapedPage{{URL: "https://a", SubtopicID: "s1"}},
		SubtopicSummaries: []SubtopicSummary{
			{SubtopicID: "s1", Title: "one"},
		},
	})
	assert.Len(t, state.ResultsFor("s1"), 1)
	assert.Len(t, state.PagesFor("s2"), 0)
	sum, ok := state.SummaryFor("s1")
	require.True(t, ok)
	assert.Equal(t, "one", sum.Title)
	_, ok = state.SummaryFor("s2")
	assert.False(t, ok)
}
