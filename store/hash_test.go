package store

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/hrygo/agentmemory/internal/errors"
)

func TestResourceIDs(t *testing.T) {
	a := ResourceIDForBlob([]byte("report"))
	b := ResourceIDForBlob([]byte("report"))
	c := ResourceIDForBlob([]byte("Report"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	// Inline and remote ids live in different domains.
	assert.NotEqual(t, ResourceIDForBlob([]byte("https://example.com/a")), ResourceIDForURI("https://example.com/a"))
	assert.Equal(t, ResourceIDForURI("https://example.com/a"), ResourceIDForURI(" https://example.com/a\n"))
}

func TestKeyLockSerializesSameKey(t *testing.T) {
	locks := newKeyLock()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("hash")
			defer unlock()
			n := inside.Add(1)
			for {
				current := maxInside.Load()
				if n <= current || maxInside.CompareAndSwap(current, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Zero(t, locks.size(), "entries are released once unused")
}

func TestKeyLockDistinctKeysDoNotBlock(t *testing.T) {
	locks := newKeyLock()
	unlockA := locks.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestPageToken(t *testing.T) {
	cursor := &Cursor{CreatedTs: 1700000000000, ID: "abc", Score: 1.25}
	token, err := encodePageToken(pageKindSearch, cursor)
	require.NoError(t, err)
	assert.NotContains(t, token, "=")

	decoded, err := decodePageToken(pageKindSearch, token)
	require.NoError(t, err)
	assert.Equal(t, cursor, decoded)

	_, err = decodePageToken(pageKindConversations, token)
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))

	_, err = decodePageToken(pageKindSearch, "%%%")
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))

	empty, err := decodePageToken(pageKindSearch, "")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestNormalizePageSize(t *testing.T) {
	size, err := normalizePageSize(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, size)

	size, err = normalizePageSize(500)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, size)

	_, err = normalizePageSize(-1)
	assert.True(t, merrors.IsCode(err, merrors.CodeValidation))
}
