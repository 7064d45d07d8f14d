package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
)

func (d *DB) CreateResource(ctx context.Context, create *store.Resource) (bool, error) {
	metadata, err := json.Marshal(create.Metadata)
	if err != nil {
		return false, errors.Wrap(err, "failed to marshal resource metadata")
	}

	var created bool
	err = d.withTx(ctx, func(tx *sql.Tx) error {
		fields := []string{"id", "uri", "payload", "compression", "size", "name", "mime_type", "metadata", "created_ts", "updated_ts"}
		args := []any{create.ID, create.URI, create.Blob, string(create.Compression), create.Size, create.Name, create.MimeType, string(metadata), create.CreatedTs, create.UpdatedTs}
		stmt := `INSERT INTO resource (` + strings.Join(fields, ", ") + `) VALUES (` + d.placeholders(len(args)) + `) ON CONFLICT (id) DO NOTHING`
		result, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return errors.Wrap(err, "failed to insert resource")
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		created = rows == 1
		return d.addOwner(ctx, tx, create.ID, create.CreatorID)
	})
	return created, err
}

func (d *DB) ListResources(ctx context.Context, find *store.FindResource) ([]*store.Resource, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = "+d.placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.IDs != nil {
		if len(find.IDs) == 0 {
			return []*store.Resource{}, nil
		}
		var list string
		list, args = d.in(args, find.IDs)
		where = append(where, "id IN "+list)
	}
	if find.OwnerID != nil {
		where, args = append(where, "id IN (SELECT resource_id FROM resource_owner WHERE creator_id = "+d.placeholder(len(args)+1)+")"), append(args, *find.OwnerID)
	}

	query := `SELECT id, uri, payload, compression, size, name, mime_type, metadata, created_ts, updated_ts FROM resource WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list resources")
	}
	defer rows.Close()

	list := make([]*store.Resource, 0)
	byID := make(map[string]*store.Resource)
	for rows.Next() {
		resource := &store.Resource{}
		var compression, metadata string
		if err := rows.Scan(&resource.ID, &resource.URI, &resource.Blob, &compression, &resource.Size, &resource.Name, &resource.MimeType, &metadata, &resource.CreatedTs, &resource.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan resource")
		}
		resource.Compression = store.Compression(compression)
		if err := json.Unmarshal([]byte(metadata), &resource.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal metadata of resource %s", resource.ID)
		}
		list = append(list, resource)
		byID[resource.ID] = resource
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate resources")
	}
	if len(list) == 0 {
		return list, nil
	}

	ids := make([]string, len(list))
	for i, resource := range list {
		ids[i] = resource.ID
	}
	inList, ownerArgs := d.in(nil, ids)
	ownerRows, err := d.db.QueryContext(ctx, `SELECT resource_id, creator_id FROM resource_owner WHERE resource_id IN `+inList+` ORDER BY creator_id`, ownerArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list resource owners")
	}
	defer ownerRows.Close()
	for ownerRows.Next() {
		var resourceID, creatorID string
		if err := ownerRows.Scan(&resourceID, &creatorID); err != nil {
			return nil, errors.Wrap(err, "failed to scan resource owner")
		}
		if resource, ok := byID[resourceID]; ok {
			resource.Owners = append(resource.Owners, creatorID)
		}
	}
	if err := ownerRows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate resource owners")
	}
	return list, nil
}

func (d *DB) UpdateResource(ctx context.Context, update *store.UpdateResource) error {
	set, args := []string{"updated_ts = " + d.placeholder(1)}, []any{update.UpdatedTs}
	if update.Metadata != nil {
		metadata, err := json.Marshal(update.Metadata)
		if err != nil {
			return errors.Wrap(err, "failed to marshal resource metadata")
		}
		set, args = append(set, "metadata = "+d.placeholder(len(args)+1)), append(args, string(metadata))
	}
	if update.Name != nil {
		set, args = append(set, "name = "+d.placeholder(len(args)+1)), append(args, *update.Name)
	}
	if update.MimeType != nil {
		set, args = append(set, "mime_type = "+d.placeholder(len(args)+1)), append(args, *update.MimeType)
	}
	args = append(args, update.ID)
	stmt := `UPDATE resource SET ` + strings.Join(set, ", ") + ` WHERE id = ` + d.placeholder(len(args))

	return d.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return errors.Wrap(err, "failed to update resource")
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return merrors.NotFound("resource %s not found", update.ID)
		}
		return d.addOwner(ctx, tx, update.ID, update.OwnerID)
	})
}

func (d *DB) DeleteResource(ctx context.Context, delete *store.DeleteResource) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		deleted, err := d.deleteResource(ctx, tx, delete.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return merrors.NotFound("resource %s not found", delete.ID)
		}
		return nil
	})
}

func (d *DB) deleteResource(ctx context.Context, q queryer, id string) (bool, error) {
	if _, err := q.ExecContext(ctx, `DELETE FROM resource_owner WHERE resource_id = `+d.placeholder(1), id); err != nil {
		return false, errors.Wrap(err, "failed to delete resource owners")
	}
	result, err := q.ExecContext(ctx, `DELETE FROM resource WHERE id = `+d.placeholder(1), id)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete resource")
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (d *DB) addOwner(ctx context.Context, q queryer, resourceID, creatorID string) error {
	if creatorID == "" {
		return nil
	}
	stmt := `INSERT INTO resource_owner (resource_id, creator_id) VALUES (` + d.placeholders(2) + `) ON CONFLICT (resource_id, creator_id) DO NOTHING`
	if _, err := q.ExecContext(ctx, stmt, resourceID, creatorID); err != nil {
		return errors.Wrap(err, "failed to record resource owner")
	}
	return nil
}

// existingResources returns the subset of ids present in the resource table,
// taking a share lock on each row where the dialect supports it.
func (d *DB) existingResources(ctx context.Context, q queryer, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	list, args := d.in(nil, ids)
	rows, err := q.QueryContext(ctx, `SELECT id FROM resource WHERE id IN `+list+d.dialect.ForShare, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to look up resources")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan resource id")
		}
		found[id] = true
	}
	return found, errors.Wrap(rows.Err(), "failed to iterate resource ids")
}
