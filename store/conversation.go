package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store/index"
)

// expiryBatchSize is how many expired ids one listing round returns.
const expiryBatchSize = 256

// Message is one entry of a conversation history.
type Message struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Conversation is one agent-user interaction thread.
type Conversation struct {
	ID        string
	CreatorID string
	// Thread groups related conversations. Empty when ungrouped.
	Thread   string
	Title    string
	Messages []Message
	// Attachments are resource ids provided as input context.
	Attachments []string
	// Artifacts are resource ids produced by the conversation.
	Artifacts []string
	Status    ConversationStatus
	Usage     map[string]int64
	// Period is the creation hour, in hours since the unix epoch.
	Period    int64
	Version   int64
	CreatedTs int64
	UpdatedTs int64
}

// Clone returns a deep copy of the record's collections.
func (c *Conversation) Clone() *Conversation {
	clone := *c
	clone.Messages = slices.Clone(c.Messages)
	clone.Attachments = slices.Clone(c.Attachments)
	clone.Artifacts = slices.Clone(c.Artifacts)
	clone.Usage = maps.Clone(c.Usage)
	return &clone
}

// References reports whether the conversation lists id as an attachment or
// an artifact.
func (c *Conversation) References(id string) bool {
	return slices.Contains(c.Attachments, id) || slices.Contains(c.Artifacts, id)
}

// document returns the indexed text of the conversation.
func (c *Conversation) document() *index.Document {
	texts := make([]string, 0, len(c.Messages)+1)
	if c.Title != "" {
		texts = append(texts, c.Title)
	}
	for _, message := range c.Messages {
		texts = append(texts, message.Content)
	}
	return index.Analyze(texts...)
}

type UpdateConversation struct {
	ID             string
	Status         *ConversationStatus
	Title          *string
	AppendMessages []Message
	AddAttachments []string
	AddArtifacts   []string
	UsageDelta     map[string]int64
	// ExpectedVersion, when set, must equal the stored version.
	ExpectedVersion *int64
}

type FindConversation struct {
	ID         *string
	IDs        []string
	CreatorID  *string
	Thread     *string
	Status     *ConversationStatus
	PeriodFrom *int64
	PeriodTo   *int64

	PageSize  int
	PageToken string

	// After and Limit are the decoded page position, filled in by Store.
	After *Cursor
	Limit int
}

type DeleteConversation struct {
	ID string
}

// ConversationPage is one page of a conversation listing.
type ConversationPage struct {
	Conversations []*Conversation
	NextPageToken string
}

type SearchConversation struct {
	CreatorID string
	Query     string
	PageSize  int
	PageToken string
}

// SearchHit is a ranked search result.
type SearchHit struct {
	Conversation *Conversation
	Score        float64
}

type SearchResult struct {
	Hits          []*SearchHit
	NextPageToken string
}

// RefKind tells how a conversation references a resource.
type RefKind string

const (
	RefAttachment RefKind = "attachment"
	RefArtifact   RefKind = "artifact"
)

// ResourceRef is one conversation-to-resource reference.
type ResourceRef struct {
	ResourceID string
	Kind       RefKind
}

// WriteConversation is the driver-level write of a full conversation record
// together with its index entries.
type WriteConversation struct {
	Conversation *Conversation
	// ExpectedVersion is the version the update was computed from.
	ExpectedVersion int64
	// Document replaces the term index entries. Nil keeps the current ones.
	Document *index.Document
	// NewRefs must all exist; they are validated inside the write.
	NewRefs []ResourceRef
}

type TermQuery struct {
	CreatorID string
	Terms     []string
}

// TermMatch is a conversation that contains at least one query term.
type TermMatch struct {
	ConversationID string
	CreatedTs      int64
	DocLength      int
	TermFreq       map[string]int
}

type TermMatches struct {
	Corpus  index.Corpus
	Matches []*TermMatch
}

// CascadeResult reports what a cascading delete removed.
type CascadeResult struct {
	ConversationID   string
	DeletedResources []string
	DeletedLogs      int
}

type FindExpiredConversation struct {
	// UpdatedBefore is inclusive.
	UpdatedBefore int64
	Limit         int
}

// CreateConversation stores a new conversation in SUBMITTED status.
func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	write, err := s.prepareCreate(create)
	if err != nil {
		return nil, err
	}
	if err := s.driver.CreateConversation(ctx, write); err != nil {
		return nil, merrors.AsStorage(err, "failed to create conversation")
	}
	return write.Conversation.Clone(), nil
}

// ValidateCreateConversation runs every check of CreateConversation without
// writing.
func (s *Store) ValidateCreateConversation(ctx context.Context, create *Conversation) error {
	write, err := s.prepareCreate(create)
	if err != nil {
		return err
	}
	return s.checkRefs(ctx, write.NewRefs)
}

// UpdateConversation applies a patch to a conversation. A write that lost a
// race against another update fails with ConcurrentModification and may be
// retried after re-reading.
func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	write, err := s.prepareUpdate(ctx, update)
	if err != nil {
		return nil, err
	}
	if err := s.driver.UpdateConversation(ctx, write); err != nil {
		return nil, merrors.AsStorage(err, "failed to update conversation")
	}
	return write.Conversation.Clone(), nil
}

// ValidateUpdateConversation runs every check of UpdateConversation without
// writing.
func (s *Store) ValidateUpdateConversation(ctx context.Context, update *UpdateConversation) error {
	write, err := s.prepareUpdate(ctx, update)
	if err != nil {
		return err
	}
	return s.checkRefs(ctx, write.NewRefs)
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, merrors.Validation("conversation id is required")
	}
	list, err := s.driver.ListConversations(ctx, &FindConversation{ID: &id, Limit: 1})
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to get conversation")
	}
	if len(list) == 0 {
		return nil, merrors.NotFound("conversation %s not found", id)
	}
	return list[0], nil
}

// ListConversations returns one page of conversations, most recent first.
// A creator or a thread is required.
func (s *Store) ListConversations(ctx context.Context, find *FindConversation) (*ConversationPage, error) {
	if (find.CreatorID == nil || *find.CreatorID == "") && (find.Thread == nil || *find.Thread == "") {
		return nil, merrors.Validation("listing conversations requires a creator or a thread")
	}
	if find.PeriodFrom != nil && find.PeriodTo != nil && *find.PeriodFrom > *find.PeriodTo {
		return nil, merrors.Validation("period range is empty: %d > %d", *find.PeriodFrom, *find.PeriodTo)
	}
	pageSize, err := normalizePageSize(find.PageSize)
	if err != nil {
		return nil, err
	}
	after, err := decodePageToken(pageKindConversations, find.PageToken)
	if err != nil {
		return nil, err
	}

	query := *find
	query.After = after
	query.Limit = pageSize + 1
	list, err := s.driver.ListConversations(ctx, &query)
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to list conversations")
	}

	page := &ConversationPage{Conversations: list}
	if len(list) > pageSize {
		page.Conversations = list[:pageSize]
		last := page.Conversations[pageSize-1]
		if page.NextPageToken, err = encodePageToken(pageKindConversations, &Cursor{CreatedTs: last.CreatedTs, ID: last.ID}); err != nil {
			return nil, err
		}
	}
	return page, nil
}

// ListConversationsByThread lists a thread's conversations, most recent first.
func (s *Store) ListConversationsByThread(ctx context.Context, thread string, pageSize int, pageToken string) (*ConversationPage, error) {
	if thread == "" {
		return nil, merrors.Validation("thread is required")
	}
	return s.ListConversations(ctx, &FindConversation{Thread: &thread, PageSize: pageSize, PageToken: pageToken})
}

// SearchConversations ranks the creator's conversations against the query
// with BM25. Ties are broken by recency, then by id, both descending.
func (s *Store) SearchConversations(ctx context.Context, search *SearchConversation) (*SearchResult, error) {
	if search.CreatorID == "" {
		return nil, merrors.Validation("search requires a creator")
	}
	pageSize, err := normalizePageSize(search.PageSize)
	if err != nil {
		return nil, err
	}
	after, err := decodePageToken(pageKindSearch, search.PageToken)
	if err != nil {
		return nil, err
	}
	terms := index.QueryTerms(search.Query)
	if len(terms) == 0 {
		return &SearchResult{}, nil
	}

	matches, err := s.driver.MatchConversationTerms(ctx, &TermQuery{CreatorID: search.CreatorID, Terms: terms})
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to search conversations")
	}

	type ranked struct {
		match *TermMatch
		score float64
	}
	hits := make([]ranked, 0, len(matches.Matches))
	for _, match := range matches.Matches {
		score := matches.Corpus.Score(terms, match.TermFreq, match.DocLength)
		if score <= 0 {
			continue
		}
		if after != nil && !rankedAfter(score, match.CreatedTs, match.ConversationID, after) {
			continue
		}
		hits = append(hits, ranked{match: match, score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.match.CreatedTs != b.match.CreatedTs {
			return a.match.CreatedTs > b.match.CreatedTs
		}
		return a.match.ConversationID > b.match.ConversationID
	})

	result := &SearchResult{}
	// Over-fetch so hits pruned as stale do not shorten the page.
	for len(hits) > 0 && len(result.Hits) <= pageSize {
		window := hits[:min(len(hits), pageSize+1-len(result.Hits))]
		hits = hits[len(window):]

		ids := make([]string, len(window))
		for i, hit := range window {
			ids[i] = hit.match.ConversationID
		}
		list, err := s.driver.ListConversations(ctx, &FindConversation{IDs: ids, CreatorID: &search.CreatorID, Limit: len(ids)})
		if err != nil {
			return nil, merrors.AsStorage(err, "failed to load search hits")
		}
		byID := make(map[string]*Conversation, len(list))
		for _, conversation := range list {
			byID[conversation.ID] = conversation
		}
		for _, hit := range window {
			if conversation, ok := byID[hit.match.ConversationID]; ok {
				result.Hits = append(result.Hits, &SearchHit{Conversation: conversation, Score: hit.score})
			}
		}
	}

	if len(result.Hits) > pageSize {
		result.Hits = result.Hits[:pageSize]
		last := result.Hits[pageSize-1]
		result.NextPageToken, err = encodePageToken(pageKindSearch, &Cursor{
			CreatedTs: last.Conversation.CreatedTs,
			ID:        last.Conversation.ID,
			Score:     last.Score,
		})
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// rankedAfter reports whether a hit sorts strictly after the cursor.
func rankedAfter(score float64, createdTs int64, id string, cursor *Cursor) bool {
	if score != cursor.Score {
		return score < cursor.Score
	}
	if createdTs != cursor.CreatedTs {
		return createdTs < cursor.CreatedTs
	}
	return id < cursor.ID
}

// DeleteConversation deletes a conversation together with its index entries,
// its protocol logs and every artifact no other conversation references.
func (s *Store) DeleteConversation(ctx context.Context, delete *DeleteConversation) (*CascadeResult, error) {
	if delete.ID == "" {
		return nil, merrors.Validation("conversation id is required")
	}
	result, err := s.driver.DeleteConversation(ctx, delete)
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to delete conversation")
	}
	return result, nil
}

// DeleteExpiredConversations deletes every conversation whose last update is
// at or before now minus retention. A zero retention deletes everything
// updated up to now. It returns how many conversations were deleted.
func (s *Store) DeleteExpiredConversations(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		return 0, merrors.Validation("retention window must not be negative: %s", retention)
	}
	cutoff := s.clock.Now().Add(-retention).UnixMilli()

	var deleted atomic.Int64
	for {
		ids, err := s.driver.ListExpiredConversations(ctx, &FindExpiredConversation{UpdatedBefore: cutoff, Limit: expiryBatchSize})
		if err != nil {
			return int(deleted.Load()), merrors.AsStorage(err, "failed to list expired conversations")
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.expiryConcurrency)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				result, err := s.driver.DeleteConversation(gctx, &DeleteConversation{ID: id})
				if merrors.IsCode(err, merrors.CodeNotFound) {
					return nil
				}
				if err != nil {
					return merrors.AsStorage(err, "failed to delete expired conversation")
				}
				deleted.Add(1)
				s.logger.Debug("expired conversation deleted",
					"conversation_id", id,
					"deleted_resources", len(result.DeletedResources),
					"deleted_logs", result.DeletedLogs)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(deleted.Load()), err
		}
		if len(ids) < expiryBatchSize {
			return int(deleted.Load()), nil
		}
	}
}

func (s *Store) prepareCreate(create *Conversation) (*WriteConversation, error) {
	if create == nil {
		return nil, merrors.Validation("conversation is required")
	}
	if create.CreatorID == "" {
		return nil, merrors.Validation("conversation creator is required")
	}
	for key, value := range create.Usage {
		if value < 0 {
			return nil, merrors.Validation("usage counter %q must not be negative", key)
		}
	}

	now := s.now()
	conversation := &Conversation{
		ID:          create.ID,
		CreatorID:   create.CreatorID,
		Thread:      create.Thread,
		Title:       create.Title,
		Messages:    slices.Clone(create.Messages),
		Attachments: dedupe(nil, create.Attachments),
		Artifacts:   dedupe(nil, create.Artifacts),
		Status:      StatusSubmitted,
		Usage:       maps.Clone(create.Usage),
		Period:      index.PeriodOf(now),
		Version:     1,
		CreatedTs:   now,
		UpdatedTs:   now,
	}
	if conversation.ID == "" {
		conversation.ID = shortuuid.New()
	}
	if conversation.Messages == nil {
		conversation.Messages = []Message{}
	}
	if conversation.Usage == nil {
		conversation.Usage = map[string]int64{}
	}
	if err := validateIDs(conversation.Attachments, conversation.Artifacts); err != nil {
		return nil, err
	}

	write := &WriteConversation{
		Conversation: conversation,
		Document:     conversation.document(),
	}
	for _, id := range conversation.Attachments {
		write.NewRefs = append(write.NewRefs, ResourceRef{ResourceID: id, Kind: RefAttachment})
	}
	for _, id := range conversation.Artifacts {
		write.NewRefs = append(write.NewRefs, ResourceRef{ResourceID: id, Kind: RefArtifact})
	}
	return write, nil
}

func (s *Store) prepareUpdate(ctx context.Context, update *UpdateConversation) (*WriteConversation, error) {
	if update == nil || update.ID == "" {
		return nil, merrors.Validation("conversation id is required")
	}
	if update.Status == nil && update.Title == nil && len(update.AppendMessages) == 0 &&
		len(update.AddAttachments) == 0 && len(update.AddArtifacts) == 0 && len(update.UsageDelta) == 0 {
		return nil, merrors.Validation("no fields to update")
	}
	if err := validateIDs(update.AddAttachments, update.AddArtifacts); err != nil {
		return nil, err
	}
	for key, delta := range update.UsageDelta {
		if delta < 0 {
			return nil, merrors.Validation("usage delta %q must not be negative", key)
		}
	}

	current, err := s.GetConversation(ctx, update.ID)
	if err != nil {
		return nil, err
	}
	if update.ExpectedVersion != nil && *update.ExpectedVersion != current.Version {
		return nil, merrors.ConcurrentModification("conversation %s is at version %d, expected %d", current.ID, current.Version, *update.ExpectedVersion)
	}

	next := current.Clone()
	reindex := false

	if len(update.UsageDelta) > 0 {
		if current.Status.IsTerminal() {
			return nil, merrors.InvalidTransition("usage of %s conversation %s cannot change", current.Status, current.ID)
		}
		if next.Usage == nil {
			next.Usage = map[string]int64{}
		}
		for key, delta := range update.UsageDelta {
			next.Usage[key] += delta
		}
	}
	if update.Status != nil {
		if err := CheckTransition(current.Status, *update.Status); err != nil {
			return nil, err
		}
		next.Status = *update.Status
	}
	if update.Title != nil && *update.Title != current.Title {
		next.Title = *update.Title
		reindex = true
	}
	if len(update.AppendMessages) > 0 {
		next.Messages = append(next.Messages, update.AppendMessages...)
		reindex = true
	}

	write := &WriteConversation{ExpectedVersion: current.Version}
	next.Attachments = dedupe(next.Attachments, update.AddAttachments)
	for _, id := range next.Attachments[len(current.Attachments):] {
		write.NewRefs = append(write.NewRefs, ResourceRef{ResourceID: id, Kind: RefAttachment})
	}
	next.Artifacts = dedupe(next.Artifacts, update.AddArtifacts)
	for _, id := range next.Artifacts[len(current.Artifacts):] {
		write.NewRefs = append(write.NewRefs, ResourceRef{ResourceID: id, Kind: RefArtifact})
	}

	next.Version = current.Version + 1
	next.UpdatedTs = max(s.now(), current.UpdatedTs)
	write.Conversation = next
	if reindex {
		write.Document = next.document()
	}
	return write, nil
}

// checkRefs fails with InvalidReference when a referenced resource is missing.
func (s *Store) checkRefs(ctx context.Context, refs []ResourceRef) error {
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ResourceID
	}
	missing, err := s.missingResources(ctx, ids)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return merrors.InvalidReference("resource %s does not exist", missing[0]).WithContext("missing", missing)
	}
	return nil
}

func validateIDs(lists ...[]string) error {
	for _, list := range lists {
		for _, id := range list {
			if id == "" {
				return merrors.Validation("resource id must not be empty")
			}
		}
	}
	return nil
}

// dedupe appends the ids of add that are not yet in base, keeping order.
func dedupe(base, add []string) []string {
	result := slices.Clone(base)
	if result == nil {
		result = []string{}
	}
	for _, id := range add {
		if !slices.Contains(result, id) {
			result = append(result, id)
		}
	}
	return result
}
