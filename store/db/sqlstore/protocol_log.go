package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
)

func (d *DB) CreateProtocolLog(ctx context.Context, create *store.ProtocolLog) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT creator_id FROM conversation WHERE id = `+d.placeholder(1)+d.dialect.ForShare, create.ConversationID).Scan(&owner)
		if err == sql.ErrNoRows {
			return merrors.InvalidReference("conversation %s does not exist", create.ConversationID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to load conversation owner")
		}
		if owner != create.CreatorID {
			return merrors.PermissionDenied("conversation %s belongs to another user", create.ConversationID)
		}

		fields := []string{"id", "creator_id", "conversation_id", "command_type", "request", "response", "error", "dry_run", "duration_ms", "created_ts"}
		args := []any{create.ID, create.CreatorID, create.ConversationID, create.CommandType, string(create.Request), string(create.Response), create.Error, create.DryRun, create.DurationMs, create.CreatedTs}
		stmt := `INSERT INTO protocol_log (` + strings.Join(fields, ", ") + `) VALUES (` + d.placeholders(len(args)) + `)`
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrap(err, "failed to insert protocol log")
		}
		return nil
	})
}

func (d *DB) ListProtocolLogs(ctx context.Context, find *store.FindProtocolLog) ([]*store.ProtocolLog, error) {
	where, args := []string{"conversation_id = " + d.placeholder(1)}, []any{find.ConversationID}
	if find.After != nil {
		cond := fmt.Sprintf("(created_ts > %s OR (created_ts = %s AND id > %s))",
			d.placeholder(len(args)+1), d.placeholder(len(args)+2), d.placeholder(len(args)+3))
		where, args = append(where, cond), append(args, find.After.CreatedTs, find.After.CreatedTs, find.After.ID)
	}

	query := `SELECT id, creator_id, conversation_id, command_type, request, response, error, dry_run, duration_ms, created_ts FROM protocol_log WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_ts ASC, id ASC`
	if find.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list protocol logs")
	}
	defer rows.Close()

	list := make([]*store.ProtocolLog, 0)
	for rows.Next() {
		entry := &store.ProtocolLog{}
		var request, response string
		if err := rows.Scan(&entry.ID, &entry.CreatorID, &entry.ConversationID, &entry.CommandType, &request, &response, &entry.Error, &entry.DryRun, &entry.DurationMs, &entry.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan protocol log")
		}
		entry.Request = []byte(request)
		entry.Response = []byte(response)
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate protocol logs")
	}
	return list, nil
}
