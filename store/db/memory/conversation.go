package memory

import (
	"context"
	"maps"
	"slices"
	"sort"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/index"
)

func (d *DB) CreateConversation(_ context.Context, create *store.WriteConversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conversation := create.Conversation
	if _, ok := d.conversations[conversation.ID]; ok {
		return merrors.Validation("conversation %s already exists", conversation.ID)
	}
	if err := d.checkRefsLocked(create.NewRefs); err != nil {
		return err
	}

	record := &conversationRecord{conversation: conversation.Clone()}
	d.conversations[conversation.ID] = record
	entry := indexEntry{createdTs: conversation.CreatedTs, id: conversation.ID}
	d.creatorIndex[conversation.CreatorID] = insertEntry(d.creatorIndex[conversation.CreatorID], entry)
	if conversation.Thread != "" {
		d.threadIndex[conversation.Thread] = insertEntry(d.threadIndex[conversation.Thread], entry)
	}
	d.addRefsLocked(conversation.ID, create.NewRefs)

	stats := d.corpus[conversation.CreatorID]
	if stats == nil {
		stats = &corpusStats{}
		d.corpus[conversation.CreatorID] = stats
	}
	stats.docCount++
	d.indexDocumentLocked(record, create.Document)
	return nil
}

func (d *DB) UpdateConversation(_ context.Context, update *store.WriteConversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := update.Conversation
	record, ok := d.conversations[next.ID]
	if !ok {
		return merrors.NotFound("conversation %s not found", next.ID)
	}
	if record.conversation.Version != update.ExpectedVersion {
		return merrors.ConcurrentModification("conversation %s was modified concurrently", next.ID)
	}
	if err := d.checkRefsLocked(update.NewRefs); err != nil {
		return err
	}

	record.conversation = next.Clone()
	d.addRefsLocked(next.ID, update.NewRefs)
	if update.Document != nil {
		d.unindexDocumentLocked(record)
		d.indexDocumentLocked(record, update.Document)
	}
	return nil
}

func (d *DB) ListConversations(_ context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var candidates []indexEntry
	switch {
	case find.ID != nil || find.IDs != nil:
		ids := find.IDs
		if find.ID != nil {
			ids = []string{*find.ID}
		}
		for _, id := range ids {
			if record, ok := d.conversations[id]; ok {
				candidates = append(candidates, indexEntry{createdTs: record.conversation.CreatedTs, id: id})
			}
		}
		slices.SortFunc(candidates, compareRecentFirst)
		candidates = slices.CompactFunc(candidates, func(a, b indexEntry) bool { return a.id == b.id })
	case find.Thread != nil:
		candidates = d.threadIndex[*find.Thread]
	case find.CreatorID != nil:
		candidates = d.creatorIndex[*find.CreatorID]
	default:
		return nil, merrors.Validation("listing conversations requires a creator, a thread or ids")
	}

	start := 0
	if find.After != nil {
		start = sort.Search(len(candidates), func(i int) bool {
			return compareRecentFirst(candidates[i], indexEntry{createdTs: find.After.CreatedTs, id: find.After.ID}) > 0
		})
	}

	list := make([]*store.Conversation, 0)
	for _, entry := range candidates[start:] {
		if find.Limit > 0 && len(list) >= find.Limit {
			break
		}
		record, ok := d.conversations[entry.id]
		if !ok {
			// Stale index entry.
			continue
		}
		if !matchConversation(record.conversation, find) {
			continue
		}
		list = append(list, record.conversation.Clone())
	}
	return list, nil
}

func matchConversation(conversation *store.Conversation, find *store.FindConversation) bool {
	if find.CreatorID != nil && conversation.CreatorID != *find.CreatorID {
		return false
	}
	if find.Thread != nil && conversation.Thread != *find.Thread {
		return false
	}
	if find.Status != nil && conversation.Status != *find.Status {
		return false
	}
	if find.PeriodFrom != nil && conversation.Period < *find.PeriodFrom {
		return false
	}
	if find.PeriodTo != nil && conversation.Period > *find.PeriodTo {
		return false
	}
	return true
}

func (d *DB) MatchConversationTerms(_ context.Context, query *store.TermQuery) (*store.TermMatches, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := &store.TermMatches{Corpus: index.Corpus{DocFreq: make(map[string]int64, len(query.Terms))}}
	if stats := d.corpus[query.CreatorID]; stats != nil {
		result.Corpus.DocCount = stats.docCount
		result.Corpus.TotalLength = stats.totalLength
	}

	postings := d.postings[query.CreatorID]
	matches := make(map[string]*store.TermMatch)
	for _, term := range query.Terms {
		docs := postings[term]
		result.Corpus.DocFreq[term] = int64(len(docs))
		for id, tf := range docs {
			record, ok := d.conversations[id]
			if !ok {
				continue
			}
			match := matches[id]
			if match == nil {
				match = &store.TermMatch{
					ConversationID: id,
					CreatedTs:      record.conversation.CreatedTs,
					DocLength:      record.docLength,
					TermFreq:       make(map[string]int),
				}
				matches[id] = match
			}
			match.TermFreq[term] = tf
		}
	}
	for _, match := range matches {
		result.Matches = append(result.Matches, match)
	}
	return result, nil
}

func (d *DB) DeleteConversation(_ context.Context, remove *store.DeleteConversation) (*store.CascadeResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.conversations[remove.ID]
	if !ok {
		return nil, merrors.NotFound("conversation %s not found", remove.ID)
	}
	conversation := record.conversation
	result := &store.CascadeResult{ConversationID: conversation.ID, DeletedResources: []string{}}

	for _, id := range conversation.Artifacts {
		referrers := d.refs[id]
		otherReferrers := len(referrers)
		if _, self := referrers[conversation.ID]; self {
			otherReferrers--
		}
		if otherReferrers > 0 {
			continue
		}
		if _, exists := d.resources[id]; exists {
			delete(d.resources, id)
			result.DeletedResources = append(result.DeletedResources, id)
		}
	}
	for _, id := range append(slices.Clone(conversation.Attachments), conversation.Artifacts...) {
		if referrers := d.refs[id]; referrers != nil {
			delete(referrers, conversation.ID)
			if len(referrers) == 0 {
				delete(d.refs, id)
			}
		}
	}

	d.unindexDocumentLocked(record)
	if stats := d.corpus[conversation.CreatorID]; stats != nil {
		stats.docCount--
		if stats.docCount <= 0 {
			delete(d.corpus, conversation.CreatorID)
		}
	}
	entry := indexEntry{createdTs: conversation.CreatedTs, id: conversation.ID}
	d.creatorIndex[conversation.CreatorID] = removeEntry(d.creatorIndex[conversation.CreatorID], entry)
	if conversation.Thread != "" {
		d.threadIndex[conversation.Thread] = removeEntry(d.threadIndex[conversation.Thread], entry)
	}

	result.DeletedLogs = len(d.logs[conversation.ID])
	delete(d.logs, conversation.ID)
	delete(d.conversations, conversation.ID)
	return result, nil
}

func (d *DB) ListExpiredConversations(_ context.Context, find *store.FindExpiredConversation) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	type expired struct {
		updatedTs int64
		id        string
	}
	var list []expired
	for id, record := range d.conversations {
		if record.conversation.UpdatedTs <= find.UpdatedBefore {
			list = append(list, expired{updatedTs: record.conversation.UpdatedTs, id: id})
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].updatedTs != list[j].updatedTs {
			return list[i].updatedTs < list[j].updatedTs
		}
		return list[i].id < list[j].id
	})
	if find.Limit > 0 && len(list) > find.Limit {
		list = list[:find.Limit]
	}
	ids := make([]string, len(list))
	for i, item := range list {
		ids[i] = item.id
	}
	return ids, nil
}

func (d *DB) checkRefsLocked(refs []store.ResourceRef) error {
	for _, ref := range refs {
		if _, ok := d.resources[ref.ResourceID]; !ok {
			return merrors.InvalidReference("resource %s does not exist", ref.ResourceID)
		}
	}
	return nil
}

func (d *DB) addRefsLocked(conversationID string, refs []store.ResourceRef) {
	for _, ref := range refs {
		referrers := d.refs[ref.ResourceID]
		if referrers == nil {
			referrers = make(map[string]struct{})
			d.refs[ref.ResourceID] = referrers
		}
		referrers[conversationID] = struct{}{}
	}
}

func (d *DB) indexDocumentLocked(record *conversationRecord, document *index.Document) {
	if document == nil {
		document = &index.Document{}
	}
	creatorID := record.conversation.CreatorID
	postings := d.postings[creatorID]
	if postings == nil {
		postings = make(map[string]map[string]int)
		d.postings[creatorID] = postings
	}
	for term, tf := range document.Terms {
		docs := postings[term]
		if docs == nil {
			docs = make(map[string]int)
			postings[term] = docs
		}
		docs[record.conversation.ID] = tf
	}
	record.document = maps.Clone(document.Terms)
	record.docLength = document.Length
	if stats := d.corpus[creatorID]; stats != nil {
		stats.totalLength += int64(document.Length)
	}
}

func (d *DB) unindexDocumentLocked(record *conversationRecord) {
	creatorID := record.conversation.CreatorID
	postings := d.postings[creatorID]
	for term := range record.document {
		if docs := postings[term]; docs != nil {
			delete(docs, record.conversation.ID)
			if len(docs) == 0 {
				delete(postings, term)
			}
		}
	}
	if stats := d.corpus[creatorID]; stats != nil {
		stats.totalLength -= int64(record.docLength)
	}
	record.document = nil
	record.docLength = 0
}
