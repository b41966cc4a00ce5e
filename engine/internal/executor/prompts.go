package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"delver/engine/models"
)

// Static system prompts stay byte-identical across calls so providers with
// explicit prompt caching keep a stable prefix.
const (
	planSystemPrompt = "You are a research planner. Decompose the user's question into focused subtopics. " +
		"Respond with a JSON array of objects: {\"title\",\"description\",\"queries\":[...]}. Produce between 3 and 7 subtopics."

	summarizeSystemPrompt = "You are a research analyst. Write a dense, factual summary of the provided sources " +
		"for the given subtopic. Use prose, not bullet fragments. Do not invent facts."

	synthesizeSystemPrompt = "You are a research editor. Given subtopic summaries, write an executive summary and " +
		"conclusions. Separate the two parts with a line containing only '---'."
)

func buildPlanPrompt(query string) string {
	return fmt.Sprintf("Research question: %s", query)
}

func buildSummarizePrompt(query string, subtopic models.Subtopic, pages []models.ScrapedPage, short bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall question: %s\nSubtopic: %s\n", query, subtopic.Title)
	if subtopic.Description != "" {
		fmt.Fprintf(&b, "Scope: %s\n", subtopic.Description)
	}
	if short {
		b.WriteString("Keep the summary brief (one tight paragraph).\n")
	}
	b.WriteString("\nSources:\n")
	for i, page := range pages {
		fmt.Fprintf(&b, "\n--- Source %d: %s (%s)\n%s\n", i+1, page.Title, page.URL, page.Content)
	}
	return b.String()
}

func buildSynthesizePrompt(query string, summaries []models.SubtopicSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research question: %s\n\nSubtopic summaries:\n", query)
	for _, summary := range summaries {
		fmt.Fprintf(&b, "\n## %s\n%s\n", summary.Title, summary.Summary)
	}
	return b.String()
}

// splitSynthesis separates the executive summary from the conclusions on the
// '---' divider the system prompt asks for; without it the whole text serves
// as the executive summary and a terse fallback closes the report.
func splitSynthesis(text string) (execSummary, conclusions string) {
	parts := strings.SplitN(text, "\n---\n", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	trimmed := strings.TrimSpace(text)
	return trimmed, "See the findings above."
}

// planItem is the JSON shape requested from the planning model.
type planItem struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Queries     []string `json:"queries"`
}

var bulletRE = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)

// parsePlan accepts the JSON array the prompt asks for, tolerating fence
// wrappers, and degrades to bulleted/numbered lines. Fewer than one
// parseable subtopic is fatal for the run.
func parsePlan(text string) ([]models.Subtopic, error) {
	if items, ok := parsePlanJSON(text); ok && len(items) > 0 {
		subtopics := make([]models.Subtopic, 0, len(items))
		for i, item := range items {
			title := strings.TrimSpace(item.Title)
			if title == "" {
				continue
			}
			subtopics = append(subtopics, models.Subtopic{
				ID:            fmt.Sprintf("s%d", i+1),
				Title:         title,
				Description:   strings.TrimSpace(item.Description),
				SearchQueries: item.Queries,
				Status:        models.SubtopicPending,
			})
		}
		if len(subtopics) > 0 {
			return subtopics, nil
		}
	}

	var subtopics []models.Subtopic
	for _, line := range strings.Split(text, "\n") {
		if m := bulletRE.FindStringSubmatch(line); m != nil {
			title := strings.TrimSpace(m[1])
			if title == "" {
				continue
			}
			subtopics = append(subtopics, models.Subtopic{
				ID:     fmt.Sprintf("s%d", len(subtopics)+1),
				Title:  title,
				Status: models.SubtopicPending,
			})
		}
	}
	if len(subtopics) == 0 {
		return nil, models.ErrPlanInvalid
	}
	return subtopics, nil
}

func parsePlanJSON(text string) ([]planItem, bool) {
	trimmed := strings.TrimSpace(text)
	if fenced := strings.Index(trimmed, "```"); fenced >= 0 {
		rest := trimmed[fenced+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start < 0 || end <= start {
		return nil, false
	}
	var items []planItem
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &items); err != nil {
		return nil, false
	}
	return items, true
}
