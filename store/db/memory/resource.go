package memory

import (
	"context"
	"maps"
	"slices"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
)

func (d *DB) CreateResource(_ context.Context, create *store.Resource) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if record, ok := d.resources[create.ID]; ok {
		record.addOwner(create.CreatorID)
		return false, nil
	}
	resource := cloneResource(create)
	resource.CreatorID = ""
	record := &resourceRecord{resource: resource}
	record.addOwner(create.CreatorID)
	d.resources[create.ID] = record
	return true, nil
}

func (d *DB) ListResources(_ context.Context, find *store.FindResource) ([]*store.Resource, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	switch {
	case find.ID != nil:
		ids = []string{*find.ID}
	case find.IDs != nil:
		ids = find.IDs
	default:
		ids = make([]string, 0, len(d.resources))
		for id := range d.resources {
			ids = append(ids, id)
		}
		slices.Sort(ids)
	}

	list := make([]*store.Resource, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		record, ok := d.resources[id]
		if !ok || seen[id] {
			continue
		}
		if find.OwnerID != nil && !slices.Contains(record.owners, *find.OwnerID) {
			continue
		}
		seen[id] = true
		resource := cloneResource(record.resource)
		resource.Owners = slices.Clone(record.owners)
		list = append(list, resource)
	}
	return list, nil
}

func (d *DB) UpdateResource(_ context.Context, update *store.UpdateResource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.resources[update.ID]
	if !ok {
		return merrors.NotFound("resource %s not found", update.ID)
	}
	if update.Metadata != nil {
		record.resource.Metadata = maps.Clone(update.Metadata)
	}
	if update.Name != nil {
		record.resource.Name = *update.Name
	}
	if update.MimeType != nil {
		record.resource.MimeType = *update.MimeType
	}
	if update.OwnerID != "" {
		record.addOwner(update.OwnerID)
	}
	record.resource.UpdatedTs = update.UpdatedTs
	return nil
}

func (d *DB) DeleteResource(_ context.Context, remove *store.DeleteResource) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.resources[remove.ID]; !ok {
		return merrors.NotFound("resource %s not found", remove.ID)
	}
	delete(d.resources, remove.ID)
	return nil
}

func (r *resourceRecord) addOwner(userID string) {
	if userID == "" || slices.Contains(r.owners, userID) {
		return
	}
	r.owners = append(r.owners, userID)
	slices.Sort(r.owners)
}

func cloneResource(resource *store.Resource) *store.Resource {
	clone := *resource
	clone.Blob = slices.Clone(resource.Blob)
	clone.Metadata = maps.Clone(resource.Metadata)
	clone.Owners = slices.Clone(resource.Owners)
	return &clone
}
