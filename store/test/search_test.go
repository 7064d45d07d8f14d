package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
)

func withContent(title, content string) func(*store.Conversation) {
	return func(c *store.Conversation) {
		c.Title = title
		c.Messages = []store.Message{{Role: "user", Content: content}}
	}
}

func TestSearchIsolatedByCreator(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		mine := createTestingConversation(ctx, t, ts, "alice", withContent("Cluster upgrade", "plan the kubernetes rollout"))
		createTestingConversation(ctx, t, ts, "alice", withContent("Groceries", "milk and eggs"))
		createTestingConversation(ctx, t, ts, "bob", withContent("Kubernetes", "kubernetes kubernetes kubernetes"))

		result, err := ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "alice", Query: "Kubernetes"})
		require.NoError(t, err)
		require.Len(t, result.Hits, 1)
		require.Equal(t, mine.ID, result.Hits[0].Conversation.ID)
		require.Greater(t, result.Hits[0].Score, 0.0)

		result, err = ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "carol", Query: "kubernetes"})
		require.NoError(t, err)
		require.Empty(t, result.Hits)

		_, err = ts.SearchConversations(ctx, &store.SearchConversation{Query: "kubernetes"})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation))
	})
}

func TestSearchRanking(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		weak := createTestingConversation(ctx, t, ts, "alice", withContent("Notes", "postgres mentioned once among many other unrelated words here"))
		ts.Clock.Advance(time.Second)
		strong := createTestingConversation(ctx, t, ts, "alice", withContent("Postgres tuning", "postgres vacuum postgres"))
		ts.Clock.Advance(time.Second)
		createTestingConversation(ctx, t, ts, "alice", withContent("Other", "nothing relevant"))

		result, err := ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "alice", Query: "postgres"})
		require.NoError(t, err)
		require.Len(t, result.Hits, 2)
		require.Equal(t, strong.ID, result.Hits[0].Conversation.ID)
		require.Equal(t, weak.ID, result.Hits[1].Conversation.ID)
		require.Greater(t, result.Hits[0].Score, result.Hits[1].Score)
	})
}

func TestSearchCJK(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		target := createTestingConversation(ctx, t, ts, "alice", withContent("数据库迁移计划", "下周完成数据迁移"))
		createTestingConversation(ctx, t, ts, "alice", withContent("旅行", "预订酒店"))

		result, err := ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "alice", Query: "迁移"})
		require.NoError(t, err)
		require.Len(t, result.Hits, 1)
		require.Equal(t, target.ID, result.Hits[0].Conversation.ID)
	})
}

func TestSearchPagination(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		want := map[string]bool{}
		for n := 0; n < 5; n++ {
			conversation := createTestingConversation(ctx, t, ts, "alice", withContent("Standup", "daily standup notes"))
			want[conversation.ID] = true
			ts.Clock.Advance(time.Second)
		}

		seen := map[string]bool{}
		token := ""
		for {
			result, err := ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "alice", Query: "standup", PageSize: 2, PageToken: token})
			require.NoError(t, err)
			require.LessOrEqual(t, len(result.Hits), 2)
			for _, hit := range result.Hits {
				require.False(t, seen[hit.Conversation.ID])
				seen[hit.Conversation.ID] = true
			}
			if result.NextPageToken == "" {
				break
			}
			token = result.NextPageToken
		}
		require.Equal(t, want, seen)

		// Tokens that do not decode are rejected.
		_, err := ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "alice", Query: "standup", PageToken: "AAAA"})
		require.True(t, merrors.IsCode(err, merrors.CodeValidation))
	})
}

func TestSearchFollowsUpdatesAndDeletes(t *testing.T) {
	runAll(t, func(t *testing.T, ctx context.Context, ts *testingStore) {
		conversation := createTestingConversation(ctx, t, ts, "alice", withContent("Draft", "first version"))

		_, err := ts.UpdateConversation(ctx, &store.UpdateConversation{ID: conversation.ID, AppendMessages: []store.Message{{Role: "assistant", Content: "terraform module ready"}}})
		require.NoError(t, err)
		result, err := ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "alice", Query: "terraform"})
		require.NoError(t, err)
		require.Len(t, result.Hits, 1)

		_, err = ts.DeleteConversation(ctx, &store.DeleteConversation{ID: conversation.ID})
		require.NoError(t, err)
		result, err = ts.SearchConversations(ctx, &store.SearchConversation{CreatorID: "alice", Query: "terraform"})
		require.NoError(t, err)
		require.Empty(t, result.Hits)
	})
}
