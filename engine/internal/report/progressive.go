// Package report grows the progressive markdown file during a run and
// assembles the final cited report at synthesis.
package report

import (
	"fmt"
	"os"
	"sync"

	"delver/engine/models"
)

// ProgressWriter appends completed subtopic summaries to progress.md. The
// file is the guaranteed minimum deliverable if the run dies before
// synthesis; existing sections are never rewritten.
type ProgressWriter struct {
	mu   sync.Mutex
	path string
}

// NewProgressWriter targets the run's progress file.
func NewProgressWriter(path string) *ProgressWriter {
	return &ProgressWriter{path: path}
}

// Path returns the progress file location.
func (w *ProgressWriter) Path() string { return w.path }

// Init writes the document header once. Appending on resume leaves prior
// sections untouched.
func (w *ProgressWriter) Init(query string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if info, err := os.Stat(w.path); err == nil && info.Size() > 0 {
		return nil
	}
	header := fmt.Sprintf("# Research in progress\n\nQuery: %s\n", query)
	return os.WriteFile(w.path, []byte(header), 0o644)
}

// AppendSection appends one summary section with its citations.
func (w *ProgressWriter) AppendSection(summary models.SubtopicSummary) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open progress file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintf(f, "\n## %s\n\n%s\n", summary.Title, summary.Summary); err != nil {
		return err
	}
	if len(summary.Citations) > 0 {
		if _, err := fmt.Fprintf(f, "\nSources:\n"); err != nil {
			return err
		}
		for _, url := range summary.Citations {
			if _, err := fmt.Fprintf(f, "- %s\n", url); err != nil {
				return err
			}
		}
	}
	return nil
}

// HasSection reports whether a subtopic's section header is already present,
// so a resumed run does not duplicate sections written before the crash.
func (w *ProgressWriter) HasSection(title string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := os.ReadFile(w.path)
	if err != nil {
		return false
	}
	return containsLine(string(data), "## "+title)
}

func containsLine(doc, line string) bool {
	start := 0
	for start <= len(doc) {
		end := start
		for end < len(doc) && doc[end] != '\n' {
			end++
		}
		if doc[start:end] == line {
			return true
		}
		start = end + 1
	}
	return false
}
