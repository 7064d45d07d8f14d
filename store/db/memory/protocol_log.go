package memory

import (
	"cmp"
	"context"
	"slices"
	"sort"

	merrors "github.com/hrygo/agentmemory/internal/errors"
	"github.com/hrygo/agentmemory/store"
)

func compareChronological(a, b *store.ProtocolLog) int {
	if c := cmp.Compare(a.CreatedTs, b.CreatedTs); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func (d *DB) CreateProtocolLog(_ context.Context, create *store.ProtocolLog) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	record, ok := d.conversations[create.ConversationID]
	if !ok {
		return merrors.InvalidReference("conversation %s does not exist", create.ConversationID)
	}
	if record.conversation.CreatorID != create.CreatorID {
		return merrors.PermissionDenied("conversation %s belongs to another user", create.ConversationID)
	}

	entry := cloneLog(create)
	logs := d.logs[create.ConversationID]
	i, _ := slices.BinarySearchFunc(logs, entry, compareChronological)
	d.logs[create.ConversationID] = slices.Insert(logs, i, entry)
	return nil
}

func (d *DB) ListProtocolLogs(_ context.Context, find *store.FindProtocolLog) ([]*store.ProtocolLog, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	logs := d.logs[find.ConversationID]
	start := 0
	if find.After != nil {
		cursor := &store.ProtocolLog{CreatedTs: find.After.CreatedTs, ID: find.After.ID}
		start = sort.Search(len(logs), func(i int) bool {
			return compareChronological(logs[i], cursor) > 0
		})
	}

	list := make([]*store.ProtocolLog, 0)
	for _, entry := range logs[start:] {
		if find.Limit > 0 && len(list) >= find.Limit {
			break
		}
		list = append(list, cloneLog(entry))
	}
	return list, nil
}

func cloneLog(entry *store.ProtocolLog) *store.ProtocolLog {
	clone := *entry
	clone.Request = slices.Clone(entry.Request)
	clone.Response = slices.Clone(entry.Response)
	return &clone
}
