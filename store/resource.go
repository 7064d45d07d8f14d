package store

import (
	"context"
	"maps"
	"slices"
	"strings"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/internal/profile"
)

// Resource is a content-addressed payload or a reference to remote content.
// Exactly one of Blob and URI is set.
//
// Values returned by Store carry the uncompressed Blob. Values exchanged with
// a Driver carry the stored (possibly compressed) bytes, with Compression
// naming the encoding and Size the uncompressed length.
type Resource struct {
	ID string
	// CreatorID is the user storing the resource. It is recorded as an owner.
	CreatorID string
	// Owners lists every user that has stored this content.
	Owners []string

	URI         string
	Blob        []byte
	Compression Compression
	Size        int64

	Name      string
	MimeType  string
	Metadata  map[string]any
	CreatedTs int64
	UpdatedTs int64
}

// IsRemote reports whether the resource references external content.
func (r *Resource) IsRemote() bool {
	return r.URI != ""
}

// OwnedBy reports whether userID has stored this resource.
func (r *Resource) OwnedBy(userID string) bool {
	return slices.Contains(r.Owners, userID)
}

type FindResource struct {
	ID  *string
	IDs []string
	// OwnerID restricts the result to resources stored by this user.
	OwnerID *string
}

type UpdateResource struct {
	ID       string
	Metadata map[string]any
	Name     *string
	MimeType *string
	// OwnerID, when set, is added to the owners.
	OwnerID   string
	UpdatedTs int64
}

type DeleteResource struct {
	ID string
}

// PutResource stores a resource and returns the stored record. Storing
// content that already exists returns the existing record without rewriting
// its payload; metadata is merged or replaced according to the profile's
// metadata policy and the caller is added to the owners.
func (s *Store) PutResource(ctx context.Context, create *Resource) (*Resource, error) {
	id, err := s.prepareResource(create)
	if err != nil {
		return nil, err
	}

	unlock := s.resourceLocks.Lock(id)
	defer unlock()

	existing, err := s.getStoredResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		record, err := s.encodeResource(id, create)
		if err != nil {
			return nil, err
		}
		created, err := s.driver.CreateResource(ctx, record)
		if err != nil {
			return nil, merrors.AsStorage(err, "failed to create resource")
		}
		if created {
			return s.GetResource(ctx, id)
		}
		// Another process inserted the same content first.
		if existing, err = s.getStoredResource(ctx, id); err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, merrors.Storage(nil, "resource vanished during insert")
		}
	}

	update := &UpdateResource{
		ID:        id,
		Metadata:  s.nextMetadata(existing.Metadata, create.Metadata),
		OwnerID:   create.CreatorID,
		UpdatedTs: s.now(),
	}
	if existing.Name == "" && create.Name != "" {
		update.Name = &create.Name
	}
	if existing.MimeType == "" && create.MimeType != "" {
		update.MimeType = &create.MimeType
	}
	if err := s.driver.UpdateResource(ctx, update); err != nil {
		return nil, merrors.AsStorage(err, "failed to update resource metadata")
	}
	return s.GetResource(ctx, id)
}

// GetResource returns the resource with its payload decompressed.
func (s *Store) GetResource(ctx context.Context, id string) (*Resource, error) {
	resource, err := s.getStoredResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if resource == nil {
		return nil, merrors.NotFound("resource %s not found", id)
	}
	return s.decodeResource(resource)
}

// ListResources returns the matching resources with payloads decompressed.
// Ids that do not exist are skipped.
func (s *Store) ListResources(ctx context.Context, find *FindResource) ([]*Resource, error) {
	list, err := s.driver.ListResources(ctx, find)
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to list resources")
	}
	for i, resource := range list {
		if list[i], err = s.decodeResource(resource); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// DeleteResource removes a resource unconditionally. Conversations that still
// reference it see a dangling id afterwards.
func (s *Store) DeleteResource(ctx context.Context, delete *DeleteResource) error {
	if delete.ID == "" {
		return merrors.Validation("resource id is required")
	}
	unlock := s.resourceLocks.Lock(delete.ID)
	defer unlock()

	if err := s.driver.DeleteResource(ctx, delete); err != nil {
		return merrors.AsStorage(err, "failed to delete resource")
	}
	return nil
}

// ResourceID returns the id PutResource would assign, validating the input.
func (s *Store) ResourceID(create *Resource) (string, error) {
	return s.prepareResource(create)
}

// missingResources returns the ids in ids that do not exist.
func (s *Store) missingResources(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	list, err := s.driver.ListResources(ctx, &FindResource{IDs: ids})
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to look up resources")
	}
	found := make(map[string]bool, len(list))
	for _, resource := range list {
		found[resource.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *Store) prepareResource(create *Resource) (string, error) {
	if create == nil {
		return "", merrors.Validation("resource is required")
	}
	if create.CreatorID == "" {
		return "", merrors.Validation("resource creator is required")
	}
	hasBlob, hasURI := len(create.Blob) > 0, strings.TrimSpace(create.URI) != ""
	switch {
	case hasBlob && hasURI:
		return "", merrors.Validation("resource must be either inline or remote, not both")
	case !hasBlob && !hasURI:
		return "", merrors.Validation("resource needs a payload or a uri")
	case hasURI:
		return ResourceIDForURI(create.URI), nil
	}
	return ResourceIDForBlob(create.Blob), nil
}

func (s *Store) getStoredResource(ctx context.Context, id string) (*Resource, error) {
	list, err := s.driver.ListResources(ctx, &FindResource{ID: &id})
	if err != nil {
		return nil, merrors.AsStorage(err, "failed to get resource")
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) encodeResource(id string, create *Resource) (*Resource, error) {
	now := s.now()
	record := &Resource{
		ID:          id,
		CreatorID:   create.CreatorID,
		URI:         strings.TrimSpace(create.URI),
		Compression: CompressionNone,
		Name:        create.Name,
		MimeType:    create.MimeType,
		Metadata:    maps.Clone(create.Metadata),
		CreatedTs:   now,
		UpdatedTs:   now,
	}
	if record.Metadata == nil {
		record.Metadata = map[string]any{}
	}
	if !create.IsRemote() {
		payload, compression, err := compressBlob(create.Blob, chooseCompression(s.compressionMode(), create.MimeType))
		if err != nil {
			return nil, merrors.Storage(err, "failed to compress resource")
		}
		record.Blob = payload
		record.Compression = compression
		record.Size = int64(len(create.Blob))
	}
	return record, nil
}

func (s *Store) decodeResource(resource *Resource) (*Resource, error) {
	if resource.IsRemote() || resource.Compression == CompressionNone {
		return resource, nil
	}
	blob, err := decompressBlob(resource.Blob, resource.Compression, resource.Size)
	if err != nil {
		return nil, merrors.Storage(err, "failed to decompress resource "+resource.ID)
	}
	resource.Blob = blob
	return resource, nil
}

func (s *Store) nextMetadata(current, incoming map[string]any) map[string]any {
	if s.metadataPolicy() == profile.MetadataReplace {
		next := maps.Clone(incoming)
		if next == nil {
			next = map[string]any{}
		}
		return next
	}
	next := maps.Clone(current)
	if next == nil {
		next = map[string]any{}
	}
	maps.Copy(next, incoming)
	return next
}
