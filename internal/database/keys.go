package database

import (
	"sync"

	"github.com/google/uuid"
)

type MetaKind string

const (
	MetaIcon            MetaKind = "icon_id"
	MetaCover           MetaKind = "cover_id"
	MetaDocumentID      MetaKind = "document_id"
	MetaIsDocumentEmpty MetaKind = "is_document_empty"
)

type metaKey struct {
	rowID string
	kind  MetaKind
}

// MetaKeyCache memoizes the keys under which row metadata is stored. Keys
// are a pure function of the row id so any replica can locate metadata
// without an index. Each Database owns its own cache.
type MetaKeyCache struct {
	mu   sync.Mutex
	keys map[metaKey]string
}

func NewMetaKeyCache() *MetaKeyCache {
	return &MetaKeyCache{keys: make(map[metaKey]string)}
}

func (c *MetaKeyCache) Key(rowID string, kind MetaKind) string {
	k := metaKey{rowID: rowID, kind: kind}
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[k]; ok {
		return key
	}
	key := MetaKey(rowID, kind)
	c.keys[k] = key
	return key
}

func (c *MetaKeyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// MetaKey derives a metadata key as a name-based UUID in the row's
// namespace. Row ids that are not UUIDs are first mapped into one.
func MetaKey(rowID string, kind MetaKind) string {
	ns, err := uuid.Parse(rowID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(rowID))
	}
	return uuid.NewSHA1(ns, []byte(kind)).String()
}
