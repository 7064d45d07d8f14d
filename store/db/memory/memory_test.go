package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/index"
)

func TestIndexEntriesStayOrdered(t *testing.T) {
	var entries []indexEntry
	for _, entry := range []indexEntry{{10, "b"}, {30, "a"}, {10, "c"}, {20, "z"}, {10, "c"}} {
		entries = insertEntry(entries, entry)
	}
	require.Equal(t, []indexEntry{{30, "a"}, {20, "z"}, {10, "c"}, {10, "b"}}, entries)

	entries = removeEntry(entries, indexEntry{20, "z"})
	entries = removeEntry(entries, indexEntry{99, "missing"})
	require.Equal(t, []indexEntry{{30, "a"}, {10, "c"}, {10, "b"}}, entries)
}

func TestCorpusStatisticsTrackWrites(t *testing.T) {
	ctx := context.Background()
	driver, err := NewDB(&profile.Profile{Driver: profile.DriverMemory})
	require.NoError(t, err)
	d := driver.(*DB)

	conversation := &store.Conversation{ID: "c1", CreatorID: "alice", Status: store.StatusSubmitted, Version: 1, CreatedTs: 1, UpdatedTs: 1}
	require.NoError(t, d.CreateConversation(ctx, &store.WriteConversation{
		Conversation: conversation,
		Document:     index.Analyze("alpha beta beta"),
	}))

	matches, err := d.MatchConversationTerms(ctx, &store.TermQuery{CreatorID: "alice", Terms: []string{"beta", "gamma"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), matches.Corpus.DocCount)
	require.Equal(t, int64(3), matches.Corpus.TotalLength)
	require.Equal(t, int64(1), matches.Corpus.DocFreq["beta"])
	require.Len(t, matches.Matches, 1)
	require.Equal(t, 2, matches.Matches[0].TermFreq["beta"])

	next := conversation.Clone()
	next.Version = 2
	require.NoError(t, d.UpdateConversation(ctx, &store.WriteConversation{
		Conversation:    next,
		ExpectedVersion: 1,
		Document:        index.Analyze("gamma"),
	}))
	matches, err = d.MatchConversationTerms(ctx, &store.TermQuery{CreatorID: "alice", Terms: []string{"beta", "gamma"}})
	require.NoError(t, err)
	require.Equal(t, int64(1), matches.Corpus.TotalLength)
	require.Zero(t, matches.Corpus.DocFreq["beta"])
	require.Equal(t, int64(1), matches.Corpus.DocFreq["gamma"])

	_, err = d.DeleteConversation(ctx, &store.DeleteConversation{ID: "c1"})
	require.NoError(t, err)
	matches, err = d.MatchConversationTerms(ctx, &store.TermQuery{CreatorID: "alice", Terms: []string{"gamma"}})
	require.NoError(t, err)
	require.Zero(t, matches.Corpus.DocCount)
	require.Empty(t, matches.Matches)
}
