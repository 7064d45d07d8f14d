package memory

import (
	"context"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
)

// AppendProtocolLog records a log entry on one of the caller's conversations.
func (s *Service) AppendProtocolLog(ctx context.Context, caller string, create *store.ProtocolLog) (*store.ProtocolLog, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if create == nil {
		return nil, merrors.Validation("protocol log is required")
	}
	owned := *create
	owned.CreatorID = caller
	return s.store.AppendProtocolLog(ctx, &owned)
}

// ListProtocolLogs lists the logs of the caller's conversation, oldest first.
func (s *Service) ListProtocolLogs(ctx context.Context, caller, conversationID string, pageSize int, pageToken string) (*store.ProtocolLogPage, error) {
	if _, err := s.GetConversation(ctx, caller, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListProtocolLogs(ctx, &store.FindProtocolLog{
		ConversationID: conversationID,
		PageSize:       pageSize,
		PageToken:      pageToken,
	})
}
