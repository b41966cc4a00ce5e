package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationAttributesInjected(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := WithCorrelation(context.Background(), Correlation{RunID: "run-42", StepID: "step-000007", Node: "summarize"})
	logger.InfoCtx(ctx, "stage done", "duration_ms", 12)

	out := buf.String()
	assert.Contains(t, out, "run_id=run-42")
	assert.Contains(t, out, "step_id=step-000007")
	assert.Contains(t, out, "node=summarize")
	assert.Contains(t, out, "duration_ms=12")
}

func TestUncorrelatedContextOmitsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.New(slog.NewTextHandler(&buf, nil)))
	logger.WarnCtx(context.Background(), "plain message")
	assert.NotContains(t, buf.String(), "run_id=")
}

func TestFromContextZeroValue(t *testing.T) {
	assert.Equal(t, Correlation{}, FromContext(context.Background()))
	assert.Equal(t, Correlation{}, FromContext(nil)) //nolint:staticcheck
}
