package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJSONLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestRequestContextLogsBaseFields(t *testing.T) {
	var buf bytes.Buffer
	rc := NewRequestContext(newJSONLogger(&buf), "conversation.create", "alice").WithConversation("c1")

	rc.Info("created", slog.Int("messages", 2))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, rc.RequestID, entry[LogFieldRequestID])
	assert.Equal(t, "alice", entry[LogFieldUserID])
	assert.Equal(t, "conversation.create", entry[LogFieldCommandType])
	assert.Equal(t, "c1", entry[LogFieldConversationID])
	assert.EqualValues(t, 2, entry["messages"])
}

func TestRequestContextError(t *testing.T) {
	var buf bytes.Buffer
	rc := NewRequestContextWithID(newJSONLogger(&buf), "req-1", "resource.get", "bob")

	rc.Error("failed", errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-1", entry[LogFieldRequestID])
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, LogFieldConversationID)
}

func TestRequestContextRoundTrip(t *testing.T) {
	rc := NewRequestContext(nil, "log.list", "alice")
	ctx := WithRequestContext(context.Background(), rc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, rc, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
	assert.GreaterOrEqual(t, rc.DurationMs(), int64(0))
}
