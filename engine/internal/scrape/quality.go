package scrape

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Quality score weighting. Content volume and boilerplate ratio dominate;
// freshness and paywall detection adjust at the margin.
const (
	weightLength     = 0.35
	weightBoiler     = 0.35
	weightFreshness  = 0.20
	weightPaywall    = 0.10
	fullLengthWords  = 600
	freshnessHorizon = 3 * 365 * 24 * time.Hour
)

var paywallMarkers = []string{
	"subscribe to continue",
	"subscribe to read",
	"subscription required",
	"sign in to read",
	"create a free account to continue",
	"this article is for subscribers",
	"metered paywall",
}

var (
	controlRE    = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	blankRunsRE  = regexp.MustCompile(`\n{3,}`)
	spaceRunsRE  = regexp.MustCompile(`[ \t]{2,}`)
)

// Sanitize removes control characters and collapses excessive whitespace.
func Sanitize(text string) string {
	text = controlRE.ReplaceAllString(text, "")
	text = spaceRunsRE.ReplaceAllString(text, " ")
	text = blankRunsRE.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Quality combines extraction heuristics into a [0,1] score: content volume,
// boilerplate (link-text density in the source HTML), publish-date freshness,
// and paywall marker detection.
func Quality(e *Extraction) (score float64, wordCount int) {
	words := strings.Fields(e.Content)
	wordCount = len(words)

	lengthScore := float64(wordCount) / fullLengthWords
	if lengthScore > 1 {
		lengthScore = 1
	}

	boilerScore := 1 - linkTextRatio(e.HTML)

	freshScore := 0.5 // neutral when the page carries no date
	if e.PublishDate != nil {
		age := time.Since(*e.PublishDate)
		switch {
		case age <= 0:
			freshScore = 1
		case age >= freshnessHorizon:
			freshScore = 0
		default:
			freshScore = 1 - float64(age)/float64(freshnessHorizon)
		}
	}

	paywallScore := 1.0
	lowered := strings.ToLower(e.Content)
	for _, marker := range paywallMarkers {
		if strings.Contains(lowered, marker) {
			paywallScore = 0
			break
		}
	}

	score = weightLength*lengthScore + weightBoiler*boilerScore + weightFreshness*freshScore + weightPaywall*paywallScore
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, wordCount
}

// linkTextRatio measures how much of the document's text sits inside anchor
// tags; link-heavy documents are navigation or index pages.
func linkTextRatio(html string) float64 {
	if html == "" {
		return 0
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return 0
	}
	doc.Find("script, style").Remove()
	total := len(strings.Fields(doc.Text()))
	if total == 0 {
		return 1
	}
	linked := 0
	doc.Find("a").Each(func(_ int, s *goquery.Selection) {
		linked += len(strings.Fields(s.Text()))
	})
	ratio := float64(linked) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}
