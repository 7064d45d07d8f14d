package memory

import (
	"encoding/json"

	"github.com/hrygo/agentmemory/store"
)

// ConversationView is the JSON shape of a conversation.
type ConversationView struct {
	ID          string           `json:"id"`
	CreatorID   string           `json:"creator_id"`
	Thread      string           `json:"thread,omitempty"`
	Title       string           `json:"title,omitempty"`
	Status      string           `json:"status"`
	Messages    []store.Message  `json:"messages"`
	Attachments []string         `json:"attachments"`
	Artifacts   []string         `json:"artifacts"`
	Usage       map[string]int64 `json:"usage"`
	Period      int64            `json:"period"`
	Version     int64            `json:"version"`
	CreatedTs   int64            `json:"created_ts"`
	UpdatedTs   int64            `json:"updated_ts"`
}

type ConversationPageView struct {
	Conversations []*ConversationView `json:"conversations"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

type SearchHitView struct {
	Conversation *ConversationView `json:"conversation"`
	Score        float64           `json:"score"`
}

type SearchResultView struct {
	Hits          []*SearchHitView `json:"hits"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

// ResourceView is the JSON shape of a resource, without its payload.
type ResourceView struct {
	ID          string         `json:"id"`
	URI         string         `json:"uri,omitempty"`
	Name        string         `json:"name,omitempty"`
	MimeType    string         `json:"mime_type,omitempty"`
	Size        int64          `json:"size"`
	Compression string         `json:"compression,omitempty"`
	Metadata    map[string]any `json:"metadata"`
	Owners      []string       `json:"owners"`
	CreatedTs   int64          `json:"created_ts"`
	UpdatedTs   int64          `json:"updated_ts"`
}

type ProtocolLogView struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	CommandType    string          `json:"command_type"`
	Request        json.RawMessage `json:"request"`
	Response       json.RawMessage `json:"response"`
	Error          string          `json:"error,omitempty"`
	DryRun         bool            `json:"dry_run,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	CreatedTs      int64           `json:"created_ts"`
}

type ProtocolLogPageView struct {
	Logs          []*ProtocolLogView `json:"logs"`
	NextPageToken string             `json:"next_page_token,omitempty"`
}

type CascadeView struct {
	ConversationID   string   `json:"conversation_id"`
	DeletedResources []string `json:"deleted_resources"`
	DeletedLogs      int      `json:"deleted_logs"`
}

func NewConversationView(c *store.Conversation) *ConversationView {
	return &ConversationView{
		ID:          c.ID,
		CreatorID:   c.CreatorID,
		Thread:      c.Thread,
		Title:       c.Title,
		Status:      string(c.Status),
		Messages:    c.Messages,
		Attachments: c.Attachments,
		Artifacts:   c.Artifacts,
		Usage:       c.Usage,
		Period:      c.Period,
		Version:     c.Version,
		CreatedTs:   c.CreatedTs,
		UpdatedTs:   c.UpdatedTs,
	}
}

func NewConversationPageView(page *store.ConversationPage) *ConversationPageView {
	view := &ConversationPageView{
		Conversations: make([]*ConversationView, 0, len(page.Conversations)),
		NextPageToken: page.NextPageToken,
	}
	for _, conversation := range page.Conversations {
		view.Conversations = append(view.Conversations, NewConversationView(conversation))
	}
	return view
}

func NewSearchResultView(result *store.SearchResult) *SearchResultView {
	view := &SearchResultView{
		Hits:          make([]*SearchHitView, 0, len(result.Hits)),
		NextPageToken: result.NextPageToken,
	}
	for _, hit := range result.Hits {
		view.Hits = append(view.Hits, &SearchHitView{Conversation: NewConversationView(hit.Conversation), Score: hit.Score})
	}
	return view
}

func NewResourceView(r *store.Resource) *ResourceView {
	return &ResourceView{
		ID:          r.ID,
		URI:         r.URI,
		Name:        r.Name,
		MimeType:    r.MimeType,
		Size:        r.Size,
		Compression: string(r.Compression),
		Metadata:    r.Metadata,
		Owners:      r.Owners,
		CreatedTs:   r.CreatedTs,
		UpdatedTs:   r.UpdatedTs,
	}
}

func NewProtocolLogView(l *store.ProtocolLog) *ProtocolLogView {
	return &ProtocolLogView{
		ID:             l.ID,
		ConversationID: l.ConversationID,
		CommandType:    l.CommandType,
		Request:        l.Request,
		Response:       l.Response,
		Error:          l.Error,
		DryRun:         l.DryRun,
		DurationMs:     l.DurationMs,
		CreatedTs:      l.CreatedTs,
	}
}

func NewProtocolLogPageView(page *store.ProtocolLogPage) *ProtocolLogPageView {
	view := &ProtocolLogPageView{
		Logs:          make([]*ProtocolLogView, 0, len(page.Logs)),
		NextPageToken: page.NextPageToken,
	}
	for _, entry := range page.Logs {
		view.Logs = append(view.Logs, NewProtocolLogView(entry))
	}
	return view
}

func NewCascadeView(result *store.CascadeResult) *CascadeView {
	return &CascadeView{
		ConversationID:   result.ConversationID,
		DeletedResources: result.DeletedResources,
		DeletedLogs:      result.DeletedLogs,
	}
}
