package store

import (
	"encoding/base64"

	"github.com/fxamacker/cbor/v2"

	merrors "github.com/hrygo/agentmemory/internal/errors"
)

const (
	// DefaultPageSize applies when a request leaves PageSize at zero.
	DefaultPageSize = 20
	// MaxPageSize caps the page size of every listing.
	MaxPageSize = 100
)

type pageKind uint8

const (
	pageKindConversations pageKind = iota + 1
	pageKindSearch
	pageKindProtocolLogs
)

// Cursor is a keyset position: the sort key of the last item returned.
// Items inserted after a cursor was issued never shift the items already
// returned.
type Cursor struct {
	CreatedTs int64
	ID        string
	// Score is only set for search cursors.
	Score float64
}

type pageToken struct {
	Kind      pageKind `cbor:"1,keyasint"`
	CreatedTs int64    `cbor:"2,keyasint"`
	ID        string   `cbor:"3,keyasint"`
	Score     float64  `cbor:"4,keyasint,omitempty"`
}

var tokenEncMode cbor.EncMode

func init() {
	var err error
	tokenEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
}

func encodePageToken(kind pageKind, cursor *Cursor) (string, error) {
	data, err := tokenEncMode.Marshal(pageToken{
		Kind:      kind,
		CreatedTs: cursor.CreatedTs,
		ID:        cursor.ID,
		Score:     cursor.Score,
	})
	if err != nil {
		return "", merrors.Storage(err, "failed to encode page token")
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodePageToken returns nil for an empty token.
func decodePageToken(kind pageKind, token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, merrors.Validation("malformed page token")
	}
	var decoded pageToken
	if err := cbor.Unmarshal(data, &decoded); err != nil {
		return nil, merrors.Validation("malformed page token")
	}
	if decoded.Kind != kind || decoded.ID == "" {
		return nil, merrors.Validation("page token does not belong to this listing")
	}
	return &Cursor{CreatedTs: decoded.CreatedTs, ID: decoded.ID, Score: decoded.Score}, nil
}

func normalizePageSize(size int) (int, error) {
	switch {
	case size < 0:
		return 0, merrors.Validation("page size must not be negative: %d", size)
	case size == 0:
		return DefaultPageSize, nil
	case size > MaxPageSize:
		return MaxPageSize, nil
	}
	return size, nil
}
