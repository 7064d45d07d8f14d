package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/pkg/errors"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/index"
)

// termInsertBatch bounds the rows of one multi-row term insert.
const termInsertBatch = 200

const conversationColumns = `id, creator_id, thread, title, status, messages, attachments, artifacts, usage_stats, period, version, created_ts, updated_ts`

type conversationJSON struct {
	messages    string
	attachments string
	artifacts   string
	usage       string
}

func marshalConversation(conversation *store.Conversation) (*conversationJSON, error) {
	encoded := &conversationJSON{}
	for _, field := range []struct {
		target *string
		value  any
	}{
		{&encoded.messages, conversation.Messages},
		{&encoded.attachments, conversation.Attachments},
		{&encoded.artifacts, conversation.Artifacts},
		{&encoded.usage, conversation.Usage},
	} {
		data, err := json.Marshal(field.value)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal conversation %s", conversation.ID)
		}
		*field.target = string(data)
	}
	return encoded, nil
}

func (d *DB) CreateConversation(ctx context.Context, create *store.WriteConversation) error {
	conversation := create.Conversation
	encoded, err := marshalConversation(conversation)
	if err != nil {
		return err
	}
	document := create.Document
	if document == nil {
		document = &index.Document{}
	}

	return d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.checkRefs(ctx, tx, create.NewRefs); err != nil {
			return err
		}

		fields := []string{"id", "creator_id", "thread", "title", "status", "messages", "attachments", "artifacts", "usage_stats", "period", "doc_length", "version", "created_ts", "updated_ts"}
		args := []any{
			conversation.ID, conversation.CreatorID, conversation.Thread, conversation.Title, string(conversation.Status),
			encoded.messages, encoded.attachments, encoded.artifacts, encoded.usage,
			conversation.Period, document.Length, conversation.Version, conversation.CreatedTs, conversation.UpdatedTs,
		}
		stmt := `INSERT INTO conversation (` + strings.Join(fields, ", ") + `) VALUES (` + d.placeholders(len(args)) + `) ON CONFLICT (id) DO NOTHING`
		result, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return errors.Wrap(err, "failed to insert conversation")
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return merrors.Validation("conversation %s already exists", conversation.ID)
		}
		if err := d.insertRefs(ctx, tx, conversation.ID, create.NewRefs); err != nil {
			return err
		}
		return d.insertTerms(ctx, tx, conversation, document)
	})
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.WriteConversation) error {
	next := update.Conversation
	encoded, err := marshalConversation(next)
	if err != nil {
		return err
	}

	set := []string{"title", "status", "messages", "attachments", "artifacts", "usage_stats", "version", "updated_ts"}
	args := []any{next.Title, string(next.Status), encoded.messages, encoded.attachments, encoded.artifacts, encoded.usage, next.Version, next.UpdatedTs}
	if update.Document != nil {
		set, args = append(set, "doc_length"), append(args, update.Document.Length)
	}
	for i := range set {
		set[i] = set[i] + " = " + d.placeholder(i+1)
	}
	args = append(args, next.ID, update.ExpectedVersion)
	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ` + d.placeholder(len(args)-1) + ` AND version = ` + d.placeholder(len(args))

	return d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.checkRefs(ctx, tx, update.NewRefs); err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return errors.Wrap(err, "failed to update conversation")
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversation WHERE id = `+d.placeholder(1), next.ID).Scan(&exists)
			if err == sql.ErrNoRows {
				return merrors.NotFound("conversation %s not found", next.ID)
			}
			if err != nil {
				return errors.Wrap(err, "failed to check conversation")
			}
			return merrors.ConcurrentModification("conversation %s was modified concurrently", next.ID)
		}
		if err := d.insertRefs(ctx, tx, next.ID, update.NewRefs); err != nil {
			return err
		}
		if update.Document == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_term WHERE conversation_id = `+d.placeholder(1), next.ID); err != nil {
			return errors.Wrap(err, "failed to clear conversation terms")
		}
		return d.insertTerms(ctx, tx, next, update.Document)
	})
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+d.placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.IDs != nil {
		if len(find.IDs) == 0 {
			return []*store.Conversation{}, nil
		}
		var list string
		list, args = d.in(args, find.IDs)
		where = append(where, "id IN "+list)
	}
	if find.CreatorID != nil {
		where, args = append(where, "creator_id = "+d.placeholder(len(args)+1)), append(args, *find.CreatorID)
	}
	if find.Thread != nil {
		where, args = append(where, "thread = "+d.placeholder(len(args)+1)), append(args, *find.Thread)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+d.placeholder(len(args)+1)), append(args, string(*find.Status))
	}
	if find.PeriodFrom != nil {
		where, args = append(where, "period >= "+d.placeholder(len(args)+1)), append(args, *find.PeriodFrom)
	}
	if find.PeriodTo != nil {
		where, args = append(where, "period <= "+d.placeholder(len(args)+1)), append(args, *find.PeriodTo)
	}
	if find.After != nil {
		cond := fmt.Sprintf("(created_ts < %s OR (created_ts = %s AND id < %s))",
			d.placeholder(len(args)+1), d.placeholder(len(args)+2), d.placeholder(len(args)+3))
		where, args = append(where, cond), append(args, find.After.CreatedTs, find.After.CreatedTs, find.After.ID)
	}

	query := `SELECT ` + conversationColumns + ` FROM conversation WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts DESC, id DESC`
	if find.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, conversation)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate conversations")
	}
	return list, nil
}

func scanConversation(rows *sql.Rows) (*store.Conversation, error) {
	conversation := &store.Conversation{}
	var status, messages, attachments, artifacts, usage string
	if err := rows.Scan(
		&conversation.ID, &conversation.CreatorID, &conversation.Thread, &conversation.Title, &status,
		&messages, &attachments, &artifacts, &usage,
		&conversation.Period, &conversation.Version, &conversation.CreatedTs, &conversation.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to scan conversation")
	}
	conversation.Status = store.ConversationStatus(status)
	for _, field := range []struct {
		data   string
		target any
	}{
		{messages, &conversation.Messages},
		{attachments, &conversation.Attachments},
		{artifacts, &conversation.Artifacts},
		{usage, &conversation.Usage},
	} {
		if err := json.Unmarshal([]byte(field.data), field.target); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal conversation %s", conversation.ID)
		}
	}
	return conversation, nil
}

func (d *DB) MatchConversationTerms(ctx context.Context, query *store.TermQuery) (*store.TermMatches, error) {
	result := &store.TermMatches{Corpus: index.Corpus{DocFreq: make(map[string]int64, len(query.Terms))}}
	if len(query.Terms) == 0 {
		return result, nil
	}

	stats := `SELECT COUNT(*), COALESCE(SUM(doc_length), 0) FROM conversation WHERE creator_id = ` + d.placeholder(1)
	if err := d.db.QueryRowContext(ctx, stats, query.CreatorID).Scan(&result.Corpus.DocCount, &result.Corpus.TotalLength); err != nil {
		return nil, errors.Wrap(err, "failed to read corpus statistics")
	}

	args := []any{query.CreatorID}
	list, args := d.in(args, query.Terms)
	// Joining the primary table drops term rows whose conversation is gone.
	rows, err := d.db.QueryContext(ctx, `
		SELECT t.conversation_id, t.term, t.tf, c.created_ts, c.doc_length
		FROM conversation_term t
		JOIN conversation c ON c.id = t.conversation_id
		WHERE t.creator_id = `+d.placeholder(1)+` AND t.term IN `+list, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to match conversation terms")
	}
	defer rows.Close()

	matches := make(map[string]*store.TermMatch)
	for rows.Next() {
		var (
			id, term  string
			tf        int
			createdTs int64
			docLength int
		)
		if err := rows.Scan(&id, &term, &tf, &createdTs, &docLength); err != nil {
			return nil, errors.Wrap(err, "failed to scan term match")
		}
		match := matches[id]
		if match == nil {
			match = &store.TermMatch{ConversationID: id, CreatedTs: createdTs, DocLength: docLength, TermFreq: make(map[string]int)}
			matches[id] = match
			result.Matches = append(result.Matches, match)
		}
		match.TermFreq[term] = tf
		result.Corpus.DocFreq[term]++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate term matches")
	}
	return result, nil
}

func (d *DB) DeleteConversation(ctx context.Context, delete *store.DeleteConversation) (*store.CascadeResult, error) {
	result := &store.CascadeResult{ConversationID: delete.ID, DeletedResources: []string{}}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var artifactsJSON string
		err := tx.QueryRowContext(ctx, `SELECT artifacts FROM conversation WHERE id = `+d.placeholder(1)+d.dialect.ForUpdate, delete.ID).Scan(&artifactsJSON)
		if err == sql.ErrNoRows {
			return merrors.NotFound("conversation %s not found", delete.ID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to load conversation")
		}
		var artifacts []string
		if err := json.Unmarshal([]byte(artifactsJSON), &artifacts); err != nil {
			return errors.Wrapf(err, "failed to unmarshal artifacts of conversation %s", delete.ID)
		}

		for _, id := range artifacts {
			deleted, err := d.deleteIfUnreferenced(ctx, tx, id, delete.ID)
			if err != nil {
				return err
			}
			if deleted {
				result.DeletedResources = append(result.DeletedResources, id)
			}
		}

		for _, stmt := range []string{
			`DELETE FROM conversation_term WHERE conversation_id = `,
			`DELETE FROM conversation_resource WHERE conversation_id = `,
		} {
			if _, err := tx.ExecContext(ctx, stmt+d.placeholder(1), delete.ID); err != nil {
				return errors.Wrap(err, "failed to delete conversation index entries")
			}
		}
		logs, err := tx.ExecContext(ctx, `DELETE FROM protocol_log WHERE conversation_id = `+d.placeholder(1), delete.ID)
		if err != nil {
			return errors.Wrap(err, "failed to delete protocol logs")
		}
		deletedLogs, _ := logs.RowsAffected()
		result.DeletedLogs = int(deletedLogs)

		if _, err := tx.ExecContext(ctx, `DELETE FROM conversation WHERE id = `+d.placeholder(1), delete.ID); err != nil {
			return errors.Wrap(err, "failed to delete conversation")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// deleteIfUnreferenced deletes a resource unless a conversation other than
// conversationID references it. The resource row is locked first so a
// concurrent reference either commits before the count or waits for the
// delete.
func (d *DB) deleteIfUnreferenced(ctx context.Context, tx *sql.Tx, resourceID, conversationID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM resource WHERE id = `+d.placeholder(1)+d.dialect.ForUpdate, resourceID).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to lock resource")
	}

	var references int
	count := `SELECT COUNT(*) FROM conversation_resource WHERE resource_id = ` + d.placeholder(1) + ` AND conversation_id <> ` + d.placeholder(2)
	if err := tx.QueryRowContext(ctx, count, resourceID, conversationID).Scan(&references); err != nil {
		return false, errors.Wrap(err, "failed to count resource references")
	}
	if references > 0 {
		return false, nil
	}
	return d.deleteResource(ctx, tx, resourceID)
}

func (d *DB) ListExpiredConversations(ctx context.Context, find *store.FindExpiredConversation) ([]string, error) {
	query := `SELECT id FROM conversation WHERE updated_ts <= ` + d.placeholder(1) + ` ORDER BY updated_ts ASC, id ASC`
	if find.Limit > 0 {
		query = fmt.Sprintf("%s LIMIT %d", query, find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, find.UpdatedBefore)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired conversations")
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan conversation id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to iterate expired conversations")
}

func (d *DB) checkRefs(ctx context.Context, q queryer, refs []store.ResourceRef) error {
	if len(refs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !slices.Contains(ids, ref.ResourceID) {
			ids = append(ids, ref.ResourceID)
		}
	}
	found, err := d.existingResources(ctx, q, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !found[id] {
			return merrors.InvalidReference("resource %s does not exist", id)
		}
	}
	return nil
}

func (d *DB) insertRefs(ctx context.Context, q queryer, conversationID string, refs []store.ResourceRef) error {
	stmt := `INSERT INTO conversation_resource (conversation_id, resource_id, kind) VALUES (` + d.placeholders(3) + `) ON CONFLICT (conversation_id, resource_id, kind) DO NOTHING`
	for _, ref := range refs {
		if _, err := q.ExecContext(ctx, stmt, conversationID, ref.ResourceID, string(ref.Kind)); err != nil {
			return errors.Wrap(err, "failed to insert conversation reference")
		}
	}
	return nil
}

func (d *DB) insertTerms(ctx context.Context, q queryer, conversation *store.Conversation, document *index.Document) error {
	terms := make([]string, 0, len(document.Terms))
	for term := range document.Terms {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	for start := 0; start < len(terms); start += termInsertBatch {
		batch := terms[start:min(start+termInsertBatch, len(terms))]
		values := make([]string, 0, len(batch))
		args := make([]any, 0, len(batch)*4)
		for _, term := range batch {
			n := len(args)
			values = append(values, fmt.Sprintf("(%s, %s, %s, %s)",
				d.placeholder(n+1), d.placeholder(n+2), d.placeholder(n+3), d.placeholder(n+4)))
			args = append(args, conversation.ID, conversation.CreatorID, term, document.Terms[term])
		}
		stmt := `INSERT INTO conversation_term (conversation_id, creator_id, term, tf) VALUES ` + strings.Join(values, ", ")
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrap(err, "failed to insert conversation terms")
		}
	}
	return nil
}
