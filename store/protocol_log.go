package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	merrors "github.com/hrygo/agentmemory/internal/errors"
)

// Command types produced by the command-protocol executor. Facade operations
// log under their own operation names.
const (
	CommandTypeKML    = "KML"
	CommandTypeKQL    = "KQL"
	CommandTypeMeta   = "META"
	CommandTypeSystem = "SYSTEM"
)

// ProtocolLog records one structured command execution.
type ProtocolLog struct {
	ID             string
	CreatorID      string
	ConversationID string
	CommandType    string
	Request        json.RawMessage
	Response       json.RawMessage
	// Error is the error summary, empty on success.
	Error      string
	DryRun     bool
	DurationMs int64
	CreatedTs  int64
}

type FindProtocolLog struct {
	ConversationID string
	PageSize       int
	PageToken      string

	// After and Limit are the decoded page position, filled in by Store.
	After *Cursor
	Limit int
}

// ProtocolLogPage is one page of a conversation's logs, oldest first.
type ProtocolLogPage struct {
	Logs          []*ProtocolLog
	NextPageToken string
}

// AppendProtocolLog stores a log entry. The conversation must exist and
// belong to the log's creator.
func (s *Store) AppendProtocolLog(ctx context.Context, create *ProtocolLog) (*ProtocolLog, error) {
	record, err := s.prepareProtocolLog(create)
	if err != nil {
		return nil, err
	}
	if err := s.driver.CreateProtocolLog(ctx, record); err != nil {
		return nil, merrors.AsStorage(err, "failed to append protocol log")
	}
	return record, nil
}

// ListProtocolLogs returns one page of a conversation's logs in chronological
// order.
func (s *Store) ListProtocolLogs(ctx context.Context, find *FindProtocolLog) (*ProtocolLogPage, error) {
	if find.ConversationID == "" {
		return nil, merrors.Validation("conversation id is required")
	}
	pageSize, err := normalizePageSize(find.PageSize)
	if err != nil {
		return nil, err
	}
	after, err := decodePageToken(pageKindProtocolLogs, find.PageToken)
	if err != nil {
		return nil, err
	}

	query := *find
	query.After = after
	query.Limit = pageSize + 1
	list, err := s.driver.ListProtocolLogs(ctx, &query)
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to list protocol logs")
	}

	page := &ProtocolLogPage{Logs: list}
	if len(list) > pageSize {
		page.Logs = list[:pageSize]
		last := page.Logs[pageSize-1]
		if page.NextPageToken, err = encodePageToken(pageKindProtocolLogs, &Cursor{CreatedTs: last.CreatedTs, ID: last.ID}); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (s *Store) prepareProtocolLog(create *ProtocolLog) (*ProtocolLog, error) {
	if create == nil {
		return nil, merrors.Validation("protocol log is required")
	}
	if create.CreatorID == "" {
		return nil, merrors.Validation("protocol log creator is required")
	}
	if create.ConversationID == "" {
		return nil, merrors.Validation("protocol log conversation is required")
	}
	if create.CommandType == "" {
		return nil, merrors.Validation("protocol log command type is required")
	}

	record := *create
	// Version 7 ids sort by creation time, which keeps same-millisecond logs
	// in append order.
	id, err := uuid.NewV7()
	if err != nil {
		return nil, merrors.Storage(err, "failed to generate protocol log id")
	}
	record.ID = id.String()
	record.CreatedTs = s.now()
	if record.Request, err = normalizeJSON(create.Request); err != nil {
		return nil, err
	}
	if record.Response, err = normalizeJSON(create.Response); err != nil {
		return nil, err
	}
	return &record, nil
}

func normalizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(raw) {
		return nil, merrors.Validation("protocol log payload is not valid JSON")
	}
	return raw, nil
}
