package scrape

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	t.Run("removes_control_characters", func(t *testing.T) {
		assert.Equal(t, "ab", Sanitize("a\x00\x08b"))
	})
	t.Run("collapses_space_runs", func(t *testing.T) {
		assert.Equal(t, "a b", Sanitize("a     b"))
	})
	t.Run("collapses_blank_line_runs", func(t *testing.T) {
		assert.Equal(t, "a\n\nb", Sanitize("a\n\n\n\n\nb"))
	})
	t.Run("preserves_newlines_and_tabs_inside_text", func(t *testing.T) {
		assert.Equal(t, "line one\nline\ttwo", Sanitize("line one\nline\ttwo"))
	})
}

func wordBlock(n int) string {
	return strings.Repeat("research finding detail ", n/3+1)
}

func TestQualityScoring(t *testing.T) {
	t.Run("long_clean_article_scores_high", func(t *testing.T) {
		e := &Extraction{Content: wordBlock(700)}
		score, words := Quality(e)
		assert.Greater(t, words, 600)
		assert.GreaterOrEqual(t, score, 0.7)
	})

	t.Run("short_content_scores_lower", func(t *testing.T) {
		long, _ := Quality(&Extraction{Content: wordBlock(700)})
		short, _ := Quality(&Extraction{Content: wordBlock(60)})
		assert.Less(t, short, long)
	})

	t.Run("link_farms_are_penalized", func(t *testing.T) {
		var links strings.Builder
		links.WriteString("<html><body>")
		for i := 0; i < 50; i++ {
			links.WriteString("<a href='/x'>link text here</a> ")
		}
		links.WriteString("</body></html>")
		farm := &Extraction{Content: wordBlock(700), HTML: links.String()}
		clean := &Extraction{Content: wordBlock(700), HTML: "<html><body><p>" + wordBlock(700) + "</p></body></html>"}
		farmScore, _ := Quality(farm)
		cleanScore, _ := Quality(clean)
		assert.Less(t, farmScore, cleanScore)
	})

	t.Run("paywalled_content_is_penalized", func(t *testing.T) {
		open := &Extraction{Content: wordBlock(700)}
		walled := &Extraction{Content: wordBlock(700) + " Subscribe to continue reading."}
		openScore, _ := Quality(open)
		walledScore, _ := Quality(walled)
		assert.Less(t, walledScore, openScore)
	})

	t.Run("fresh_pages_beat_stale_pages", func(t *testing.T) {
		fresh := time.Now().Add(-24 * time.Hour)
		stale := time.Now().Add(-5 * 365 * 24 * time.Hour)
		freshScore, _ := Quality(&Extraction{Content: wordBlock(700), PublishDate: &fresh})
		staleScore, _ := Quality(&Extraction{Content: wordBlock(700), PublishDate: &stale})
		assert.Greater(t, freshScore, staleScore)
	})

	t.Run("score_is_clamped_to_unit_interval", func(t *testing.T) {
		score, _ := Quality(&Extraction{Content: ""})
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	})
}

func TestLinkTextRatio(t *testing.T) {
	assert.Equal(t, 0.0, linkTextRatio(""))
	html := "<html><body><p>four plain words here</p><a href='/'>four linked words here</a></body></html>"
	ratio := linkTextRatio(html)
	assert.InDelta(t, 0.5, ratio, 0.1)
}
