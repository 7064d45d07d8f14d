package memory

import (
	"context"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
)

// CreateConversation creates a conversation owned by caller.
func (s *Service) CreateConversation(ctx context.Context, caller string, create *store.Conversation) (*store.Conversation, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if create == nil {
		create = &store.Conversation{}
	}
	owned := *create
	owned.CreatorID = caller
	if err := s.checkOwnedResources(ctx, caller, owned.Attachments, owned.Artifacts); err != nil {
		return nil, err
	}
	return s.store.CreateConversation(ctx, &owned)
}

// GetConversation returns the caller's conversation.
func (s *Service) GetConversation(ctx context.Context, caller, id string) (*store.Conversation, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	conversation, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conversation.CreatorID != caller {
		return nil, merrors.PermissionDenied("conversation %s belongs to another user", id)
	}
	return conversation, nil
}

func (s *Service) UpdateConversation(ctx context.Context, caller string, update *store.UpdateConversation) (*store.Conversation, error) {
	if update == nil {
		return nil, merrors.Validation("update is required")
	}
	if _, err := s.GetConversation(ctx, caller, update.ID); err != nil {
		return nil, err
	}
	if err := s.checkOwnedResources(ctx, caller, update.AddAttachments, update.AddArtifacts); err != nil {
		return nil, err
	}
	return s.store.UpdateConversation(ctx, update)
}

// ListConversations lists the caller's conversations. Any creator set on
// find is replaced by caller.
func (s *Service) ListConversations(ctx context.Context, caller string, find *store.FindConversation) (*store.ConversationPage, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	query := store.FindConversation{}
	if find != nil {
		query = *find
	}
	query.CreatorID = &caller
	query.ID, query.IDs = nil, nil
	return s.store.ListConversations(ctx, &query)
}

func (s *Service) SearchConversations(ctx context.Context, caller, query string, pageSize int, pageToken string) (*store.SearchResult, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return s.store.SearchConversations(ctx, &store.SearchConversation{
		CreatorID: caller,
		Query:     query,
		PageSize:  pageSize,
		PageToken: pageToken,
	})
}

// DeleteConversation deletes the caller's conversation and cascades to its
// logs and unshared artifacts.
func (s *Service) DeleteConversation(ctx context.Context, caller, id string) (*store.CascadeResult, error) {
	if _, err := s.GetConversation(ctx, caller, id); err != nil {
		return nil, err
	}
	result, err := s.store.DeleteConversation(ctx, &store.DeleteConversation{ID: id})
	if err != nil {
		return nil, err
	}
	for _, resourceID := range result.DeletedResources {
		s.invalidateContent(ctx, resourceID)
	}
	return result, nil
}

// StopConversation cancels a conversation. It only records the status; work
// in flight elsewhere observes it on its next read.
func (s *Service) StopConversation(ctx context.Context, caller, id string) (*store.Conversation, error) {
	if _, err := s.GetConversation(ctx, caller, id); err != nil {
		return nil, err
	}
	canceled := store.StatusCanceled
	return s.store.UpdateConversation(ctx, &store.UpdateConversation{ID: id, Status: &canceled})
}

// checkOwnedResources rejects references to resources the caller has not
// stored. Missing ids are left to the store, which reports them as invalid
// references.
func (s *Service) checkOwnedResources(ctx context.Context, caller string, lists ...[]string) error {
	var ids []string
	for _, list := range lists {
		ids = append(ids, list...)
	}
	if len(ids) == 0 {
		return nil
	}
	resources, err := s.store.ListResources(ctx, &store.FindResource{IDs: ids})
	if err != nil {
		return err
	}
	for _, resource := range resources {
		if !resource.OwnedBy(caller) {
			return merrors.PermissionDenied("resource %s belongs to another user", resource.ID).WithContext("resource_id", resource.ID)
		}
	}
	return nil
}

func (s *Service) validateStop(ctx context.Context, caller, id string) error {
	conversation, err := s.GetConversation(ctx, caller, id)
	if err != nil {
		return err
	}
	return store.CheckTransition(conversation.Status, store.StatusCanceled)
}
