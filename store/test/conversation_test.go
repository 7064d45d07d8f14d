package test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/index"
)

func TestConversationCreateGet(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		attachment := putTestingResource(ctx, t, ts, "alice", "input file")
		created, err := ts.CreateConversation(ctx, &store.Conversation{
			CreatorID:   "alice",
			Thread:      "thread-1",
			Title:       "Trip planning",
			Messages:    []store.Message{{Role: "user", Content: "hello"}},
			Attachments: []string{attachment.ID, attachment.ID},
			Usage:       map[string]int64{"input_tokens": 12},
			Status:      store.StatusCompleted,
		})
		require.NoError(t, err)
		require.NotEmpty(t, created.ID)
		require.Equal(t, store.StatusSubmitted, created.Status)
		require.Equal(t, int64(1), created.Version)
		require.Equal(t, index.PeriodOf(testEpoch.UnixMilli()), created.Period)

		conversation, err := ts.GetConversation(ctx, created.ID)
		require.NoError(t, err)
		require.Equal(t, "alice", conversation.CreatorID)
		require.Equal(t, "thread-1", conversation.Thread)
		require.Equal(t, "Trip planning", conversation.Title)
		require.Equal(t, []store.Message{{Role: "user", Content: "hello"}}, conversation.Messages)
		require.Equal(t, []string{attachment.ID}, conversation.Attachments)
		require.Empty(t, conversation.Artifacts)
		require.Equal(t, int64(12), conversation.Usage["input_tokens"])
		require.Equal(t, store.StatusSubmitted, conversation.Status)
		require.Equal(t, testEpoch.UnixMilli(), conversation.CreatedTs)

		_, err = ts.GetConversation(ctx, "missing")
		require.True(t, merrors.IsCode(err, merrors.CodeNotFound))
	})
}

func TestConversationCreateInvalidReference(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		_, err := ts.CreateConversation(ctx, &store.Conversation{CreatorID: "alice", Artifacts: []string{"nope"}})
		require.True(t, merrors.IsCode(err, merrors.CodeInvalidReference))

		err = ts.ValidateCreateConversation(ctx, &store.Conversation{CreatorID: "alice", Attachments: []string{"nope"}})
		require.True(t, merrors.IsCode(err, merrors.CodeInvalidReference))

		_, err = ts.CreateConversation(ctx, &store.Conversation{})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation))
	})
}

func TestConversationCreateDuplicateID(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		createTestingConversation(ctx, t, ts, "alice", func(c *store.Conversation) { c.ID = "conv-fixed" })

		_, err := ts.CreateConversation(ctx, &store.Conversation{ID: "conv-fixed", CreatorID: "bob", Title: "second"})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation), "got %v", err)
		require.False(t, merrors.IsCode(err, merrors.CodeStorage))

		conversation, err := ts.GetConversation(ctx, "conv-fixed")
		require.NoError(t, err)
		require.Equal(t, "alice", conversation.CreatorID)
		require.Equal(t, "untitled", conversation.Title)
	})
}

func TestConversationTerminalTransitions(t *testing.T) {
	for _, terminal := range []store.ConversationStatus{store.StatusCompleted, store.StatusCanceled, store.StatusFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
				conversation := createTestingConversation(ctx, t, ts, "alice")
				_, err := ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, Status: ptr(store.StatusWorking)})
				require.NoError(t, err)
				_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, Status: ptr(terminal)})
				require.NoError(t, err)

				for _, next := range []store.ConversationStatus{store.StatusSubmitted, store.StatusWorking, terminal} {
					_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, Status: ptr(next)})
					require.True(t, merrors.IsCode(err, merrors.CodeInvalidTransition), "%s -> %s", terminal, next)
				}
				_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, UsageDelta: map[string]int64{"tokens": 1}})
				require.True(t, merrors.IsCode(err, merrors.CodeInvalidTransition))

				// Content may still be appended after the run ends.
				updated, err := ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, AppendMessages: []store.Message{{Role: "assistant", Content: "done"}}})
				require.NoError(t, err)
				require.Equal(t, terminal, updated.Status)
				require.Len(t, updated.Messages, 2)
			})
		})
	}
}

func TestConversationUpdate(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		conversation := createTestingConversation(ctx, t, ts, "alice")
		artifact := putTestingResource(ctx, t, ts, "alice", "generated chart")

		ts.Clock.Advance(time.Minute)
		updated, err := ts.UpdateConversation(ctx, &store.UpdateConversation{
			ID:           conversation.ID,
			Title:        ptr("Renamed"),
			AddArtifacts: []string{artifact.ID},
			UsageDelta:   map[string]int64{"output_tokens": 5},
		})
		require.NoError(t, err)
		require.Equal(t, int64(2), updated.Version)
		require.Equal(t, testEpoch.Add(time.Minute).UnixMilli(), updated.UpdatedTs)

		stored, err := ts.GetConversation(ctx, conversation.ID)
		require.NoError(t, err)
		require.Equal(t, "Renamed", stored.Title)
		require.Equal(t, []string{artifact.ID}, stored.Artifacts)
		require.Equal(t, int64(5), stored.Usage["output_tokens"])
		require.Equal(t, int64(2), stored.Version)

		_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation))
		_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, AddAttachments: []string{"missing"}})
		require.True(t, merrors.IsCode(err, merrors.CodeInvalidReference))
		_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: "missing", Title: ptr("x")})
		require.True(t, merrors.IsCode(err, merrors.CodeNotFound))
		_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, Title: ptr("stale"), ExpectedVersion: ptr(int64(1))})
		require.True(t, merrors.IsCode(err, merrors.CodeConcurrentModification))
	})
}

func TestConversationConcurrentUpdate(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		conversation := createTestingConversation(ctx, t, ts, "alice")

		const writers = 6
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				update := &store.UpdateConversation{
					ID:             conversation.ID,
					AppendMessages: []store.Message{{Role: "assistant", Content: fmt.Sprintf("part %d", i)}},
				}
				for {
					_, err := ts.UpdateConversation(ctx, update)
					if !merrors.IsCode(err, merrors.CodeConcurrentModification) {
						errs[i] = err
						return
					}
				}
			}()
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		stored, err := ts.GetConversation(ctx, conversation.ID)
		require.NoError(t, err)
		require.Len(t, stored.Messages, writers+1)
		require.Equal(t, int64(writers+1), stored.Version)
	})
}

func TestConversationStaleVersionRejected(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		conversation := createTestingConversation(ctx, t, ts, "alice")

		_, err := ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, Title: ptr("first"), ExpectedVersion: ptr(conversation.Version)})
		require.NoError(t, err)
		_, err = ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, Title: ptr("second"), ExpectedVersion: ptr(conversation.Version)})
		require.True(t, merrors.IsCode(err, merrors.CodeConcurrentModification))
		require.True(t, merrors.Retryable(err))

		stored, err := ts.GetConversation(ctx, conversation.ID)
		require.NoError(t, err)
		require.Equal(t, "first", stored.Title)
	})
}

func TestConversationListPagination(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		want := map[string]bool{}
		for i := 0; i < 7; i++ {
			conversation := createTestingConversation(ctx, t, ts, "alice")
			want[conversation.ID] = true
			// Pairs share a timestamp so ties are broken by id.
			if i%2 == 1 {
				ts.Clock.Advance(time.Second)
			}
		}
		createTestingConversation(ctx, t, ts, "bob")

		seen := map[string]bool{}
		token := ""
		lastTs := int64(1<<63 - 1)
		pages := 0
		for {
			page, err := ts.ListConversations(ctx, &store.FindConversation{CreatorID: ptr("alice"), PageSize: 3, PageToken: token})
			require.NoError(t, err)
			require.LessOrEqual(t, len(page.Conversations), 3)
			for _, conversation := range page.Conversations {
				require.Equal(t, "alice", conversation.CreatorID)
				require.LessOrEqual(t, conversation.CreatedTs, lastTs)
				require.False(t, seen[conversation.ID], "duplicate %s", conversation.ID)
				lastTs = conversation.CreatedTs
				seen[conversation.ID] = true
			}
			pages++
			if page.NextPageToken == "" {
				break
			}
			token = page.NextPageToken
		}
		require.Equal(t, want, seen)
		require.Equal(t, 3, pages)

		_, err := ts.ListConversations(ctx, &store.FindConversation{})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation))
		_, err = ts.ListConversations(ctx, &store.FindConversation{CreatorID: ptr("alice"), PageToken: "garbage"})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation))
	})
}

func TestConversationListStableUnderInserts(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		want := map[string]bool{}
		for i := 1; i <= 6; i++ {
			id := fmt.Sprintf("conv-%02d", i)
			createTestingConversation(ctx, t, ts, "alice", func(c *store.Conversation) { c.ID = id })
			want[id] = true
			if i%2 == 0 && i < 6 {
				ts.Clock.Advance(time.Second)
			}
		}

		find := &store.FindConversation{CreatorID: ptr("alice"), PageSize: 2}
		page, err := ts.ListConversations(ctx, find)
		require.NoError(t, err)
		require.Equal(t, []string{"conv-06", "conv-05"}, conversationIDs(page.Conversations))
		require.NotEmpty(t, page.NextPageToken)

		// Same timestamp as the first page with a higher id, then a newer one.
		createTestingConversation(ctx, t, ts, "alice", func(c *store.Conversation) { c.ID = "conv-07" })
		ts.Clock.Advance(time.Second)
		createTestingConversation(ctx, t, ts, "alice", func(c *store.Conversation) { c.ID = "conv-08" })

		seen := map[string]bool{}
		for _, conversation := range page.Conversations {
			seen[conversation.ID] = true
		}
		token := page.NextPageToken
		for token != "" {
			page, err = ts.ListConversations(ctx, &store.FindConversation{CreatorID: ptr("alice"), PageSize: 2, PageToken: token})
			require.NoError(t, err)
			for _, conversation := range page.Conversations {
				require.False(t, seen[conversation.ID], "duplicate %s", conversation.ID)
				seen[conversation.ID] = true
			}
			token = page.NextPageToken
		}
		require.Equal(t, want, seen)

		page, err = ts.ListConversations(ctx, find)
		require.NoError(t, err)
		require.Equal(t, []string{"conv-08", "conv-07"}, conversationIDs(page.Conversations))
	})
}

func conversationIDs(conversations []*store.Conversation) []string {
	ids := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		ids = append(ids, conversation.ID)
	}
	return ids
}

func TestConversationListFilters(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		early := createTestingConversation(ctx, t, ts, "alice", func(c *store.Conversation) { c.Thread = "t1" })
		ts.Clock.Advance(3 * time.Hour)
		late := createTestingConversation(ctx, t, ts, "alice", func(c *store.Conversation) { c.Thread = "t2" })
		_, err := ts.UpdateConversation(ctx, &store.UpdateConversation{ID: late.ID, Status: ptr(store.StatusWorking)})
		require.NoError(t, err)

		page, err := ts.ListConversations(ctx, &store.FindConversation{CreatorID: ptr("alice"), Status: ptr(store.StatusWorking)})
		require.NoError(t, err)
		require.Len(t, page.Conversations, 1)
		require.Equal(t, late.ID, page.Conversations[0].ID)

		page, err = ts.ListConversations(ctx, &store.FindConversation{CreatorID: ptr("alice"), PeriodFrom: ptr(early.Period), PeriodTo: ptr(early.Period)})
		require.NoError(t, err)
		require.Len(t, page.Conversations, 1)
		require.Equal(t, early.ID, page.Conversations[0].ID)

		page, err = ts.ListConversationsByThread(ctx, "t2", 10, "")
		require.NoError(t, err)
		require.Len(t, page.Conversations, 1)
		require.Equal(t, late.ID, page.Conversations[0].ID)

		_, err = ts.ListConversations(ctx, &store.FindConversation{CreatorID: ptr("alice"), PeriodFrom: ptr(late.Period), PeriodTo: ptr(early.Period)})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation))
	})
}
