package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	FromContext(ctx).Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "k=v")
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
