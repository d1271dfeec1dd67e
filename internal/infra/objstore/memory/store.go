// Package memory provides an in-memory ObjectStore for tests and local
// development. Listing paginates over keys in lexical order with an opaque
// last-key continuation token, mirroring the S3 driver's contract.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ahrav/datasentry/internal/domain/scanning"
)

var _ scanning.ObjectStore = (*Store)(nil)

// Store is a thread-safe in-memory object store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{collections: make(map[string]map[string][]byte)}
}

// PutObject stores content under collection/key, creating the collection
// on first use.
func (s *Store) PutObject(collection, key string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	objs, ok := s.collections[collection]
	if !ok {
		objs = make(map[string][]byte)
		s.collections[collection] = objs
	}
	objs[key] = append([]byte(nil), content...)
}

// DeleteObject removes an object. Deleting a missing object is a no-op.
func (s *Store) DeleteObject(collection, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if objs, ok := s.collections[collection]; ok {
		delete(objs, key)
	}
}

// List returns one page of keys in lexical order starting after the
// continuation token.
func (s *Store) List(
	ctx context.Context,
	collection, prefix, continuationToken string,
	pageSize int32,
) (scanning.ObjectPage, error) {
	if err := ctx.Err(); err != nil {
		return scanning.ObjectPage{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	objs, ok := s.collections[collection]
	if !ok {
		return scanning.ObjectPage{}, nil
	}

	keys := make([]string, 0, len(objs))
	for k := range objs {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var page scanning.ObjectPage
	for _, k := range keys {
		if continuationToken != "" && k <= continuationToken {
			continue
		}
		if int32(len(page.Objects)) == pageSize {
			page.NextToken = page.Objects[len(page.Objects)-1].Key
			return page, nil
		}
		content := objs[k]
		page.Objects = append(page.Objects, scanning.ObjectMeta{
			Key:         k,
			Fingerprint: fingerprint(content),
			Size:        int64(len(content)),
		})
	}
	return page, nil
}

// Get fetches an object's content and fingerprint.
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	objs, ok := s.collections[collection]
	if !ok {
		return nil, "", fmt.Errorf("collection %s not found", collection)
	}
	content, ok := objs[key]
	if !ok {
		return nil, "", fmt.Errorf("object %s/%s not found", collection, key)
	}

	return append([]byte(nil), content...), fingerprint(content), nil
}

func fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:8])
}
