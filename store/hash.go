package store

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// domainKey is a 32-byte BLAKE3 key. Inline payloads and remote URIs hash
// under different keys so the two id spaces never collide.
type domainKey [32]byte

var (
	resourceDomainKey = domainKey{
		'a', 'g', 'e', 'n', 't', 'm', 'e', 'm', 'o', 'r', 'y', '.', 'r', 'e', 's', 'o',
		'u', 'r', 'c', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	uriDomainKey = domainKey{
		'a', 'g', 'e', 'n', 't', 'm', 'e', 'm', 'o', 'r', 'y', '.', 'u', 'r', 'i', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// ResourceIDForBlob returns the content id of an inline payload.
func ResourceIDForBlob(data []byte) string {
	return keyedHash(resourceDomainKey, data)
}

// ResourceIDForURI returns the id of a remote resource. The URI is trimmed
// before hashing so incidental whitespace does not split identical targets.
func ResourceIDForURI(uri string) string {
	return keyedHash(uriDomainKey, []byte(strings.TrimSpace(uri)))
}

func keyedHash(key domainKey, data []byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("store: blake3 keyed hasher: " + err.Error())
	}
	_, _ = hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}
