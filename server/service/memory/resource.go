package memory

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/plugin/fetch"
	"github.com/hrygo/agentmemory/store"
)

// Content encodings returned by FetchResource.
const (
	EncodingText   = "text"
	EncodingBase64 = "base64"
)

// Content is a resource's payload prepared for an agent.
type Content struct {
	ResourceID string `json:"resource_id"`
	URI        string `json:"uri,omitempty"`
	MimeType   string `json:"mime_type,omitempty"`
	Encoding   string `json:"encoding"`
	Content    string `json:"content"`
	Size       int    `json:"size"`
	Cached     bool   `json:"cached,omitempty"`
}

// PutResource stores a resource and adds caller to its owners.
func (s *Service) PutResource(ctx context.Context, caller string, create *store.Resource) (*store.Resource, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if create == nil {
		return nil, merrors.Validation("resource is required")
	}
	owned := *create
	owned.CreatorID = caller
	return s.store.PutResource(ctx, &owned)
}

// GetResource returns a resource the caller owns.
func (s *Service) GetResource(ctx context.Context, caller, id string) (*store.Resource, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	resource, err := s.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if !resource.OwnedBy(caller) {
		return nil, merrors.PermissionDenied("resource %s belongs to another user", id)
	}
	return resource, nil
}

func (s *Service) ListResources(ctx context.Context, caller string) ([]*store.Resource, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	return s.store.ListResources(ctx, &store.FindResource{OwnerID: &caller})
}

// DeleteResource deletes a resource only the caller owns. Content stored by
// several users stays until each of them has let go of it through expiry.
func (s *Service) DeleteResource(ctx context.Context, caller, id string) error {
	if err := s.validateResourceDelete(ctx, caller, id); err != nil {
		return err
	}
	if err := s.store.DeleteResource(ctx, &store.DeleteResource{ID: id}); err != nil {
		return err
	}
	s.invalidateContent(ctx, id)
	return nil
}

func (s *Service) validateResourceDelete(ctx context.Context, caller, id string) error {
	resource, err := s.GetResource(ctx, caller, id)
	if err != nil {
		return err
	}
	if len(resource.Owners) > 1 {
		return merrors.PermissionDenied("resource %s is shared with other users", id)
	}
	return nil
}

// FetchResource returns the caller's resource content. Inline text comes back
// as UTF-8, other inline payloads as base64. Remote resources are downloaded,
// cached and shared between concurrent callers.
func (s *Service) FetchResource(ctx context.Context, caller, id string) (*Content, error) {
	resource, err := s.GetResource(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !resource.IsRemote() {
		return encodeContent(resource, resource.MimeType, resource.Blob), nil
	}

	key := contentCacheKey(id)
	if s.cache != nil {
		if body, ok := s.cache.Get(ctx, key); ok {
			content := encodeContent(resource, resource.MimeType, body)
			content.Cached = true
			return content, nil
		}
	}
	if s.fetcher == nil {
		return nil, merrors.Validation("remote resource %s cannot be fetched: no fetcher configured", id)
	}

	// The download outlives any single caller so that waiters sharing it are
	// not failed by the first caller going away.
	ch := s.fetchGroup.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		result, err := s.fetcher.Fetch(fetchCtx, resource.URI)
		if err != nil {
			return nil, merrors.Storage(err, fmt.Sprintf("failed to fetch remote resource %s", id))
		}
		if s.cache != nil {
			if err := s.cache.Set(fetchCtx, key, result.Body, s.cacheTTL); err != nil {
				slog.Warn("failed to cache remote content", "resource_id", id, "error", err)
			}
		}
		return result, nil
	})
	var outcome singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case outcome = <-ch:
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	if outcome.Shared {
		s.logger.Debug("remote fetch shared", "resource_id", id)
	}
	result := outcome.Val.(*fetch.Result)
	mimeType := resource.MimeType
	if mimeType == "" {
		mimeType = result.ContentType
	}
	return encodeContent(resource, mimeType, result.Body), nil
}

func encodeContent(resource *store.Resource, mimeType string, body []byte) *Content {
	content := &Content{
		ResourceID: resource.ID,
		URI:        resource.URI,
		MimeType:   mimeType,
		Size:       len(body),
	}
	if utf8.Valid(body) && (mimeType == "" || store.IsTextMimeType(mimeType)) {
		content.Encoding = EncodingText
		content.Content = string(body)
	} else {
		content.Encoding = EncodingBase64
		content.Content = base64.StdEncoding.EncodeToString(body)
	}
	return content
}

func contentCacheKey(id string) string {
	return "resource:" + id + ":content"
}

func (s *Service) invalidateContent(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, contentCacheKey(id)); err != nil {
		slog.Warn("failed to invalidate cached content", "resource_id", id, "error", err)
	}
}
