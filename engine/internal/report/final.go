package report

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"delver/engine/models"
)

// CitationIndex deduplicates citation URLs into a global 1-based numbering.
// URLs are expected pre-normalized; the first occurrence fixes the number.
type CitationIndex struct {
	order []string
	index map[string]int
}

// NewCitationIndex returns an empty index.
func NewCitationIndex() *CitationIndex {
	return &CitationIndex{index: make(map[string]int)}
}

// Add returns the stable number for url, assigning the next one on first
// sight.
func (ci *CitationIndex) Add(url string) int {
	if n, ok := ci.index[url]; ok {
		return n
	}
	ci.order = append(ci.order, url)
	ci.index[url] = len(ci.order)
	return len(ci.order)
}

// Sources returns the numbered URL list in assignment order.
func (ci *CitationIndex) Sources() []string {
	return append([]string(nil), ci.order...)
}

// Len reports how many distinct sources are indexed.
func (ci *CitationIndex) Len() int { return len(ci.order) }

// AssembleInput carries everything the final document needs. Executive
// summary and conclusions come from the synthesis model call; the per-
// subtopic sections are the stored summaries.
type AssembleInput struct {
	Query            string
	Title            string
	ExecutiveSummary string
	Conclusions      string
	Summaries        []models.SubtopicSummary
	CoverageGaps     []string
	Model            string
	MaxWords         int
}

// Assemble produces the final markdown report plus its metadata and any
// non-fatal validation warnings. Citations across subtopics are deduplicated
// into one numbered Sources list; every inline [n] must resolve into it.
func Assemble(in AssembleInput) (string, models.ReportMetadata, []string, error) {
	citations := NewCitationIndex()
	var b strings.Builder

	title := in.Title
	if title == "" {
		title = in.Query
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("## Executive Summary\n\n")
	b.WriteString(strings.TrimSpace(in.ExecutiveSummary))
	b.WriteString("\n\n")

	b.WriteString("## Key Findings\n")
	for _, summary := range in.Summaries {
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", summary.Title, strings.TrimSpace(summary.Summary))
		if len(summary.Citations) > 0 {
			refs := make([]string, 0, len(summary.Citations))
			for _, url := range summary.Citations {
				refs = append(refs, fmt.Sprintf("[%d]", citations.Add(url)))
			}
			fmt.Fprintf(&b, "\nSources: %s\n", strings.Join(refs, ", "))
		}
	}

	if len(in.CoverageGaps) > 0 {
		b.WriteString("\n## Coverage Gaps\n\n")
		b.WriteString("The following subtopics have no summary in this report, either because the run degraded before they were researched or because their research failed:\n\n")
		for _, gap := range in.CoverageGaps {
			fmt.Fprintf(&b, "- %s\n", gap)
		}
	}

	b.WriteString("\n## Conclusions\n\n")
	b.WriteString(strings.TrimSpace(in.Conclusions))
	b.WriteString("\n")

	b.WriteString("\n## Sources\n\n")
	for i, url := range citations.Sources() {
		fmt.Fprintf(&b, "%d. %s\n", i+1, url)
	}

	doc := b.String()
	warnings := ValidateCitations(doc, citations.Len())
	if in.MaxWords > 0 {
		if words := len(strings.Fields(doc)); words > in.MaxWords {
			warnings = append(warnings, fmt.Sprintf("report exceeds configured maximum of %d words (%d)", in.MaxWords, words))
		}
	}

	meta := models.ReportMetadata{
		GeneratedAt:  time.Now().UTC(),
		Model:        in.Model,
		SourceCount:  citations.Len(),
		WordCount:    len(strings.Fields(doc)),
		CoverageGaps: append([]string(nil), in.CoverageGaps...),
	}
	return doc, meta, warnings, nil
}

var citationRefRE = regexp.MustCompile(`\[(\d+)\]`)

// ValidateCitations checks that every inline [n] resolves into the Sources
// list and reports defined-but-unreferenced entries. Both conditions are
// non-fatal and come back as human-readable warnings.
func ValidateCitations(doc string, numSources int) []string {
	var warnings []string

	body := doc
	if idx := strings.LastIndex(doc, "\n## Sources"); idx >= 0 {
		body = doc[:idx]
	}

	referenced := make(map[int]struct{})
	for _, match := range citationRefRE.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		referenced[n] = struct{}{}
		if n < 1 || n > numSources {
			warnings = append(warnings, fmt.Sprintf("citation [%d] has no entry in the Sources list", n))
		}
	}
	var unreferenced []int
	for n := 1; n <= numSources; n++ {
		if _, ok := referenced[n]; !ok {
			unreferenced = append(unreferenced, n)
		}
	}
	if len(unreferenced) > 0 {
		sort.Ints(unreferenced)
		parts := make([]string, len(unreferenced))
		for i, n := range unreferenced {
			parts[i] = strconv.Itoa(n)
		}
		warnings = append(warnings, "sources defined but never referenced: "+strings.Join(parts, ", "))
	}
	return warnings
}
