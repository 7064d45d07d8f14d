package tools

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/server/service/memory"
	"github.com/hrygo/agentmemory/store"
	memorydb "github.com/hrygo/agentmemory/store/db/memory"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, cmd *memory.Command) (*memory.CommandOutput, error) {
	return &memory.CommandOutput{CommandType: store.CommandTypeKQL, Result: cmd.Command}, nil
}

type slowTool struct{}

func (slowTool) Name() string        { return "slow" }
func (slowTool) Description() string { return "Waits for cancellation." }
func (slowTool) Parameters() Schema  { return objectSchema(map[string]any{}) }
func (slowTool) Invoke(ctx context.Context, _ *Call) (*Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestRegistry(t *testing.T) (*Registry, *memory.Service) {
	t.Helper()
	p := &profile.Profile{Name: "tools-test"}
	driver, err := memorydb.NewDB(p)
	require.NoError(t, err)
	s := store.New(driver, p, store.WithClock(clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))))
	t.Cleanup(func() { _ = s.Close() })

	svc := memory.NewService(s, memory.Config{Executor: echoExecutor{}})
	registry, err := NewMemoryRegistry(svc, nil)
	require.NoError(t, err)
	return registry, svc
}

func TestRegistry(t *testing.T) {
	registry, _ := newTestRegistry(t)

	assert.Equal(t, []string{
		"conversation_stop",
		"conversations_list",
		"conversations_search",
		"kip_execute",
		"memory_fetch",
		"system_primer",
	}, registry.Names())

	tool, ok := registry.Get("memory_fetch")
	require.True(t, ok)
	assert.Equal(t, "object", tool.Parameters()["type"])
	assert.Equal(t, []string{"id"}, tool.Parameters()["required"])

	assert.Error(t, registry.Register(tool))
	assert.Error(t, registry.Register(nil))

	_, err := registry.Invoke(context.Background(), "memo_search", &Call{Caller: "alice"})
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))
}

func TestRegistryTimeout(t *testing.T) {
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(slowTool{}))
	registry.SetTimeout(10 * time.Millisecond)

	_, err := registry.Invoke(context.Background(), "slow", &Call{Caller: "alice"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConversationTools(t *testing.T) {
	ctx := context.Background()
	registry, svc := newTestRegistry(t)

	conversation, err := svc.CreateConversation(ctx, "alice", &store.Conversation{
		Title:    "Quarterly report",
		Messages: []store.Message{{Role: "user", Content: "summarize the quarterly revenue"}},
	})
	require.NoError(t, err)
	_, err = svc.CreateConversation(ctx, "bob", &store.Conversation{Title: "Quarterly report"})
	require.NoError(t, err)

	result, err := registry.Invoke(ctx, "conversations_list", &Call{Caller: "alice", Arguments: map[string]any{"pageSize": 5}})
	require.NoError(t, err)
	assert.Equal(t, "conversations_list", result.Tool)
	page := result.Output.(*memory.ConversationPageView)
	require.Len(t, page.Conversations, 1)
	assert.Equal(t, conversation.ID, page.Conversations[0].ID)

	result, err = registry.Invoke(ctx, "conversations_search", &Call{Caller: "alice", Arguments: map[string]any{"query": "revenue"}})
	require.NoError(t, err)
	hits := result.Output.(*memory.SearchResultView)
	require.Len(t, hits.Hits, 1)
	assert.Equal(t, conversation.ID, hits.Hits[0].Conversation.ID)

	_, err = registry.Invoke(ctx, "conversations_search", &Call{Caller: "alice", Arguments: map[string]any{"qeury": "typo"}})
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))

	_, err = registry.Invoke(ctx, "conversation_stop", &Call{Caller: "bob", Conversation: conversation.ID})
	assert.True(t, merrors.IsCode(err, merrors.CodePermissionDenied))

	result, err = registry.Invoke(ctx, "conversation_stop", &Call{Caller: "alice", Conversation: conversation.ID})
	require.NoError(t, err)
	assert.Equal(t, string(store.StatusCanceled), result.Output.(*memory.ConversationView).Status)
}

func TestFetchTool(t *testing.T) {
	ctx := context.Background()
	registry, svc := newTestRegistry(t)

	resource, err := svc.PutResource(ctx, "alice", &store.Resource{Blob: []byte("hello"), MimeType: "text/plain"})
	require.NoError(t, err)

	result, err := registry.Invoke(ctx, "memory_fetch", &Call{Caller: "alice", Arguments: map[string]any{"resourceId": resource.ID}})
	require.NoError(t, err)
	content := result.Output.(*memory.Content)
	assert.Equal(t, memory.EncodingText, content.Encoding)
	assert.Equal(t, "hello", content.Content)

	_, err = registry.Invoke(ctx, "memory_fetch", &Call{Caller: "bob", Arguments: map[string]any{"id": resource.ID}})
	assert.True(t, merrors.IsCode(err, merrors.CodePermissionDenied))
}

func TestExecuteAndPrimerTools(t *testing.T) {
	ctx := context.Background()
	registry, svc := newTestRegistry(t)

	conversation, err := svc.CreateConversation(ctx, "alice", nil)
	require.NoError(t, err)

	result, err := registry.Invoke(ctx, "kip_execute", &Call{
		Caller:       "alice",
		Conversation: conversation.ID,
		Arguments:    map[string]any{"command": "DESCRIBE PRIMER"},
	})
	require.NoError(t, err)
	executed := result.Output.(*memory.CommandResult)
	assert.Equal(t, "DESCRIBE PRIMER", executed.Result)
	assert.NotEmpty(t, executed.LogID)

	logs, err := svc.ListProtocolLogs(ctx, "alice", conversation.ID, 0, "")
	require.NoError(t, err)
	assert.Len(t, logs.Logs, 1)

	result, err = registry.Invoke(ctx, "system_primer", &Call{Caller: "alice"})
	require.NoError(t, err)
	primer := result.Output.(*memory.Primer)
	assert.Equal(t, "tools-test", primer.Name)
	require.Len(t, primer.Tools, 6)
	assert.Equal(t, "conversation_stop", primer.Tools[0].Name)
}
