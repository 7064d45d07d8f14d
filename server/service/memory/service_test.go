package memory

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/plugin/ai/cache"
	"github.com/hrygo/agentmemory/plugin/fetch"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/db/memory"
)

type fakeExecutor struct {
	mu       sync.Mutex
	commands []*Command
	output   *CommandOutput
	err      error
}

func (e *fakeExecutor) Execute(_ context.Context, cmd *Command) (*CommandOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
	return e.output, e.err
}

type fakeFetcher struct {
	calls   atomic.Int32
	body    []byte
	mime    string
	err     error
	release chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string) (*fetch.Result, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &fetch.Result{URL: uri, ContentType: f.mime, Body: f.body}, nil
}

func newTestService(t *testing.T, cfg Config) (*Service, *store.Store) {
	t.Helper()
	p := &profile.Profile{Name: "agentmemory-test", Version: "1.2.3"}
	driver, err := memory.NewDB(p)
	require.NoError(t, err)
	s := store.New(driver, p, store.WithClock(clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))))
	t.Cleanup(func() { _ = s.Close() })
	return NewService(s, cfg), s
}

func newTestCache(t *testing.T) *cache.Service {
	t.Helper()
	c := cache.NewService(cache.ServiceConfig{Capacity: 1 << 20, DefaultTTL: time.Minute, CleanupInterval: time.Hour})
	t.Cleanup(c.Close)
	return c
}

func TestOwnershipIsEnforced(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{Executor: &fakeExecutor{}})

	conversation, err := svc.CreateConversation(ctx, "alice", &store.Conversation{CreatorID: "bob", Title: "plans"})
	require.NoError(t, err)
	assert.Equal(t, "alice", conversation.CreatorID)

	resource, err := svc.PutResource(ctx, "alice", &store.Resource{Blob: []byte("alice's notes"), MimeType: "text/plain"})
	require.NoError(t, err)

	denied := func(err error) {
		t.Helper()
		assert.True(t, merrors.IsCode(err, merrors.CodePermissionDenied), "got %v", err)
	}
	_, err = svc.GetConversation(ctx, "bob", conversation.ID)
	denied(err)
	title := "stolen"
	_, err = svc.UpdateConversation(ctx, "bob", &store.UpdateConversation{ID: conversation.ID, Title: &title})
	denied(err)
	_, err = svc.StopConversation(ctx, "bob", conversation.ID)
	denied(err)
	_, err = svc.DeleteConversation(ctx, "bob", conversation.ID)
	denied(err)
	_, err = svc.AppendProtocolLog(ctx, "bob", &store.ProtocolLog{ConversationID: conversation.ID, CommandType: store.CommandTypeMeta})
	denied(err)
	_, err = svc.ListProtocolLogs(ctx, "bob", conversation.ID, 0, "")
	denied(err)
	_, err = svc.ExecuteCommand(ctx, "bob", conversation.ID, "DESCRIBE PRIMER", nil, false)
	denied(err)
	_, err = svc.GetResource(ctx, "bob", resource.ID)
	denied(err)
	_, err = svc.FetchResource(ctx, "bob", resource.ID)
	denied(err)
	denied(svc.DeleteResource(ctx, "bob", resource.ID))

	_, err = svc.GetConversation(ctx, "", conversation.ID)
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))

	got, err := svc.GetConversation(ctx, "alice", conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, "plans", got.Title)
}

func TestListConversationsIsScopedToCaller(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})

	for _, caller := range []string{"alice", "alice", "bob"} {
		_, err := svc.CreateConversation(ctx, caller, &store.Conversation{Thread: "shared"})
		require.NoError(t, err)
	}

	bob := "bob"
	page, err := svc.ListConversations(ctx, "alice", &store.FindConversation{CreatorID: &bob})
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	for _, conversation := range page.Conversations {
		assert.Equal(t, "alice", conversation.CreatorID)
	}

	resources, err := svc.ListResources(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, resources)
}

func TestStopConversation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})

	conversation, err := svc.CreateConversation(ctx, "alice", nil)
	require.NoError(t, err)

	stopped, err := svc.StopConversation(ctx, "alice", conversation.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCanceled, stopped.Status)

	_, err = svc.StopConversation(ctx, "alice", conversation.ID)
	assert.True(t, merrors.IsCode(err, merrors.CodeInvalidTransition))
	assert.True(t, merrors.IsCode(svc.validateStop(ctx, "alice", conversation.ID), merrors.CodeInvalidTransition))
}

func TestDeleteSharedResourceIsDenied(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})

	shared, err := svc.PutResource(ctx, "alice", &store.Resource{Blob: []byte("common knowledge")})
	require.NoError(t, err)
	again, err := svc.PutResource(ctx, "bob", &store.Resource{Blob: []byte("common knowledge")})
	require.NoError(t, err)
	require.Equal(t, shared.ID, again.ID)

	err = svc.DeleteResource(ctx, "alice", shared.ID)
	assert.True(t, merrors.IsCode(err, merrors.CodePermissionDenied))

	own, err := svc.PutResource(ctx, "alice", &store.Resource{Blob: []byte("private")})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteResource(ctx, "alice", own.ID))
	_, err = svc.GetResource(ctx, "alice", own.ID)
	assert.True(t, merrors.IsCode(err, merrors.CodeNotFound))
}

func TestFetchInlineResource(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})

	text, err := svc.PutResource(ctx, "alice", &store.Resource{Blob: []byte("# Title\nbody"), MimeType: "text/markdown"})
	require.NoError(t, err)
	content, err := svc.FetchResource(ctx, "alice", text.ID)
	require.NoError(t, err)
	assert.Equal(t, EncodingText, content.Encoding)
	assert.Equal(t, "# Title\nbody", content.Content)
	assert.Equal(t, 12, content.Size)

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0xff, 0x00}
	image, err := svc.PutResource(ctx, "alice", &store.Resource{Blob: png, MimeType: "image/png"})
	require.NoError(t, err)
	content, err = svc.FetchResource(ctx, "alice", image.ID)
	require.NoError(t, err)
	assert.Equal(t, EncodingBase64, content.Encoding)
	decoded, err := base64.StdEncoding.DecodeString(content.Content)
	require.NoError(t, err)
	assert.Equal(t, png, decoded)
}

func TestFetchRemoteResourceUsesCache(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{body: []byte("remote page"), mime: "text/html"}
	contentCache := newTestCache(t)
	svc, _ := newTestService(t, Config{Fetcher: fetcher, Cache: contentCache})

	remote, err := svc.PutResource(ctx, "alice", &store.Resource{URI: "https://example.com/page"})
	require.NoError(t, err)

	first, err := svc.FetchResource(ctx, "alice", remote.ID)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, "remote page", first.Content)
	assert.Equal(t, "text/html", first.MimeType)
	assert.Equal(t, EncodingText, first.Encoding)

	second, err := svc.FetchResource(ctx, "alice", remote.ID)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	require.NoError(t, svc.DeleteResource(ctx, "alice", remote.ID))
	_, ok := contentCache.Get(ctx, contentCacheKey(remote.ID))
	assert.False(t, ok)
}

func TestFetchRemoteResourceSharesInFlightDownloads(t *testing.T) {
	ctx := context.Background()
	fetcher := &fakeFetcher{body: []byte("slow"), release: make(chan struct{})}
	svc, _ := newTestService(t, Config{Fetcher: fetcher, Cache: newTestCache(t)})

	remote, err := svc.PutResource(ctx, "alice", &store.Resource{URI: "https://example.com/slow"})
	require.NoError(t, err)

	const callers = 6
	var wg sync.WaitGroup
	results := make([]*Content, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = svc.FetchResource(ctx, "alice", remote.ID)
		}()
	}
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "slow", results[i].Content)
	}
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestFetchRemoteResourceSurvivesFirstCallerCancel(t *testing.T) {
	fetcher := &fakeFetcher{body: []byte("shared"), release: make(chan struct{})}
	svc, _ := newTestService(t, Config{Fetcher: fetcher})

	remote, err := svc.PutResource(context.Background(), "alice", &store.Resource{URI: "https://example.com/shared"})
	require.NoError(t, err)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.FetchResource(firstCtx, "alice", remote.ID)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)

	type outcome struct {
		content *Content
		err     error
	}
	second := make(chan outcome, 1)
	go func() {
		content, err := svc.FetchResource(context.Background(), "alice", remote.ID)
		second <- outcome{content, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(fetcher.release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "shared", got.content.Content)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestFetchRemoteResourceFailures(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, Config{})
	remote, err := svc.PutResource(ctx, "alice", &store.Resource{URI: "https://example.com/none"})
	require.NoError(t, err)

	_, err = svc.FetchResource(ctx, "alice", remote.ID)
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))

	failing, _ := newTestService(t, Config{Fetcher: &fakeFetcher{err: errors.New("connection refused")}})
	remote, err = failing.PutResource(ctx, "alice", &store.Resource{URI: "https://example.com/down"})
	require.NoError(t, err)
	_, err = failing.FetchResource(ctx, "alice", remote.ID)
	assert.True(t, merrors.IsCode(err, merrors.CodeStorage))
}

func TestExecuteCommandLogs(t *testing.T) {
	ctx := context.Background()
	executor := &fakeExecutor{output: &CommandOutput{CommandType: store.CommandTypeKQL, Result: map[string]any{"count": 2}}}
	svc, _ := newTestService(t, Config{Executor: executor})

	conversation, err := svc.CreateConversation(ctx, "alice", nil)
	require.NoError(t, err)

	result, err := svc.ExecuteCommand(ctx, "alice", conversation.ID, "FIND(?n) WHERE { ?n {type: \"Person\"} }", map[string]any{"limit": 5}, false)
	require.NoError(t, err)
	assert.Equal(t, store.CommandTypeKQL, result.CommandType)
	assert.NotEmpty(t, result.LogID)

	_, err = svc.ExecuteCommand(ctx, "alice", conversation.ID, "UPSERT {}", nil, true)
	require.NoError(t, err)

	executor.err = errors.New("parse error at line 1")
	_, err = svc.ExecuteCommand(ctx, "alice", conversation.ID, "BROKEN", nil, false)
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))

	page, err := svc.ListProtocolLogs(ctx, "alice", conversation.ID, 0, "")
	require.NoError(t, err)
	require.Len(t, page.Logs, 2)
	assert.Equal(t, result.LogID, page.Logs[0].ID)
	assert.JSONEq(t, `{"count":2}`, string(page.Logs[0].Response))
	assert.JSONEq(t, `{"command":"FIND(?n) WHERE { ?n {type: \"Person\"} }","parameters":{"limit":5}}`, string(page.Logs[0].Request))
	assert.Contains(t, page.Logs[1].Error, "parse error")

	require.Len(t, executor.commands, 3)
	assert.True(t, executor.commands[1].DryRun)
	assert.Equal(t, "alice", executor.commands[0].CreatorID)
}

func TestExecuteCommandWithoutExecutor(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	_, err := svc.ExecuteCommand(context.Background(), "alice", "", "DESCRIBE PRIMER", nil, false)
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))
}

func TestPrimer(t *testing.T) {
	p := &profile.Profile{Name: "memory-test", Version: "0.9.0"}

	path := filepath.Join(t.TempDir(), "primer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity: archivist
guidelines:
  - Keep answers short.
tools:
  - name: memory_fetch
    description: Custom fetch description.
`), 0o600))

	primer, err := LoadPrimer(path, p)
	require.NoError(t, err)
	assert.Equal(t, "archivist", primer.Identity)
	assert.Equal(t, "memory-test", primer.Name)
	assert.Equal(t, "0.9.0", primer.Version)
	assert.Equal(t, []string{"Keep answers short."}, primer.Guidelines)

	_, err = LoadPrimer(filepath.Join(t.TempDir(), "missing.yaml"), p)
	assert.Error(t, err)

	svc, _ := newTestService(t, Config{Primer: primer})
	described := svc.DescribeSystem(
		ToolInfo{Name: "memory_fetch", Description: "Default fetch description."},
		ToolInfo{Name: "conversations_search", Description: "Search."},
	)
	require.Len(t, described.Tools, 2)
	assert.Equal(t, "Custom fetch description.", described.Tools[0].Description)
	assert.Equal(t, "conversations_search", described.Tools[1].Name)
	assert.Len(t, primer.Tools, 1)

	data, err := described.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "identity: archivist")
}

func TestDefaultPrimerUsesProfile(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	primer := svc.DescribeSystem()
	assert.Equal(t, "agentmemory-test", primer.Name)
	assert.Equal(t, "1.2.3", primer.Version)
	assert.NotEmpty(t, primer.Guidelines)
}

func TestReferencingAnotherUsersResourceIsDenied(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t, Config{})

	private, err := svc.PutResource(ctx, "alice", &store.Resource{Blob: []byte("alice's draft")})
	require.NoError(t, err)

	_, err = svc.CreateConversation(ctx, "mallory", &store.Conversation{Artifacts: []string{private.ID}})
	assert.True(t, merrors.IsCode(err, merrors.CodePermissionDenied), "got %v", err)
	_, err = svc.CreateConversation(ctx, "mallory", &store.Conversation{Attachments: []string{private.ID}})
	assert.True(t, merrors.IsCode(err, merrors.CodePermissionDenied), "got %v", err)

	conversation, err := svc.CreateConversation(ctx, "mallory", nil)
	require.NoError(t, err)
	_, err = svc.UpdateConversation(ctx, "mallory", &store.UpdateConversation{ID: conversation.ID, AddArtifacts: []string{private.ID}})
	assert.True(t, merrors.IsCode(err, merrors.CodePermissionDenied), "got %v", err)

	body := dispatchErr(t, svc, "mallory", &Request{
		CommandType: CommandConversationCreate,
		Parameters:  map[string]any{"artifacts": []any{private.ID}},
		DryRun:      true,
	})
	assert.Equal(t, string(merrors.CodePermissionDenied), body.Kind)
	body = dispatchErr(t, svc, "mallory", &Request{
		CommandType: CommandConversationUpdate,
		Parameters:  map[string]any{"id": conversation.ID, "attachments": []any{private.ID}},
		DryRun:      true,
	})
	assert.Equal(t, string(merrors.CodePermissionDenied), body.Kind)

	_, err = svc.DeleteConversation(ctx, "mallory", conversation.ID)
	require.NoError(t, err)
	kept, err := s.GetResource(ctx, private.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, kept.Owners)

	// Storing the same content makes it the caller's own.
	_, err = svc.PutResource(ctx, "mallory", &store.Resource{Blob: []byte("alice's draft")})
	require.NoError(t, err)
	_, err = svc.CreateConversation(ctx, "mallory", &store.Conversation{Attachments: []string{private.ID}})
	assert.NoError(t, err)
}
