package store

import (
	"context"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
//
// Drivers return typed errors from internal/errors for domain outcomes
// (NotFound, InvalidReference, PermissionDenied, ConcurrentModification) and
// plain wrapped errors for I/O failures. Every write method commits its
// primary rows and index rows atomically before returning.
type Driver interface {
	Close() error

	// Resource model related methods.

	// CreateResource inserts the resource unless its id already exists and
	// records create.CreatorID as an owner either way. It reports whether the
	// resource row was inserted.
	CreateResource(ctx context.Context, create *Resource) (bool, error)
	ListResources(ctx context.Context, find *FindResource) ([]*Resource, error)
	UpdateResource(ctx context.Context, update *UpdateResource) error
	DeleteResource(ctx context.Context, delete *DeleteResource) error

	// Conversation model related methods.

	// CreateConversation fails with InvalidReference when a resource in
	// create.NewRefs does not exist.
	CreateConversation(ctx context.Context, create *WriteConversation) error
	// UpdateConversation replaces the stored record when its version equals
	// update.ExpectedVersion, otherwise it fails with ConcurrentModification.
	UpdateConversation(ctx context.Context, update *WriteConversation) error
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	// MatchConversationTerms returns the creator's corpus statistics and the
	// conversations containing at least one of the terms.
	MatchConversationTerms(ctx context.Context, query *TermQuery) (*TermMatches, error)
	// DeleteConversation runs the cascading delete in one transaction.
	DeleteConversation(ctx context.Context, delete *DeleteConversation) (*CascadeResult, error)
	ListExpiredConversations(ctx context.Context, find *FindExpiredConversation) ([]string, error)

	// ProtocolLog model related methods.

	// CreateProtocolLog fails with InvalidReference when the conversation
	// does not exist and PermissionDenied when another user owns it.
	CreateProtocolLog(ctx context.Context, create *ProtocolLog) error
	ListProtocolLogs(ctx context.Context, find *FindProtocolLog) ([]*ProtocolLog, error)
}
