// Package memory implements an in-process store driver. Nothing survives the
// process; it backs tests, demos and the "memory" driver setting.
package memory

import (
	"cmp"
	"slices"
	"sync"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/store"
)

// indexEntry is one position in an ordered conversation index.
type indexEntry struct {
	createdTs int64
	id        string
}

// compareRecentFirst orders entries by (createdTs DESC, id DESC).
func compareRecentFirst(a, b indexEntry) int {
	if c := cmp.Compare(b.createdTs, a.createdTs); c != 0 {
		return c
	}
	return cmp.Compare(b.id, a.id)
}

type conversationRecord struct {
	conversation *store.Conversation
	document     map[string]int
	docLength    int
}

type resourceRecord struct {
	resource *store.Resource
	owners   []string
}

type corpusStats struct {
	docCount    int64
	totalLength int64
}

// DB keeps every collection in maps guarded by one RWMutex. Reads run
// concurrently; writes are serialized, which makes every multi-record write
// atomic.
type DB struct {
	profile *profile.Profile

	mu            sync.RWMutex
	resources     map[string]*resourceRecord
	conversations map[string]*conversationRecord
	// creatorIndex and threadIndex hold entries sorted recent-first.
	creatorIndex map[string][]indexEntry
	threadIndex  map[string][]indexEntry
	// postings maps creator -> term -> conversation -> term frequency.
	postings map[string]map[string]map[string]int
	corpus   map[string]*corpusStats
	// refs maps resource -> referencing conversations.
	refs map[string]map[string]struct{}
	// logs maps conversation -> entries in chronological order.
	logs map[string][]*store.ProtocolLog
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	return &DB{
		profile:       profile,
		resources:     make(map[string]*resourceRecord),
		conversations: make(map[string]*conversationRecord),
		creatorIndex:  make(map[string][]indexEntry),
		threadIndex:   make(map[string][]indexEntry),
		postings:      make(map[string]map[string]map[string]int),
		corpus:        make(map[string]*corpusStats),
		refs:          make(map[string]map[string]struct{}),
		logs:          make(map[string][]*store.ProtocolLog),
	}, nil
}

func (d *DB) Close() error {
	return nil
}

func insertEntry(entries []indexEntry, entry indexEntry) []indexEntry {
	i, found := slices.BinarySearchFunc(entries, entry, compareRecentFirst)
	if found {
		return entries
	}
	return slices.Insert(entries, i, entry)
}

func removeEntry(entries []indexEntry, entry indexEntry) []indexEntry {
	i, found := slices.BinarySearchFunc(entries, entry, compareRecentFirst)
	if !found {
		return entries
	}
	return slices.Delete(entries, i, i+1)
}
