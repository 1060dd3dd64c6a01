package shardserver

import (
	"fmt"
	"maps"
	"sync"

	"github.com/chunkmeta/chunkmeta/pkg/common"
	"github.com/chunkmeta/chunkmeta/pkg/model"
)

const IDField = "_id"

// DocumentID returns the string form of a document's _id.
func DocumentID(doc model.Document) (string, error) {
	id, ok := doc[IDField]
	if !ok {
		return "", fmt.Errorf("%w: document has no %s", common.ErrInvalidArgument, IDField)
	}
	return fmt.Sprint(id), nil
}

// storage keeps documents per namespace by id. It knows nothing about
// ownership; the server filters.
type storage struct {
	mu          sync.RWMutex
	collections map[string]map[string]model.Document
}

func newStorage() *storage {
	return &storage{collections: make(map[string]map[string]model.Document)}
}

func (s *storage) upsert(namespace string, id string, doc model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.collections[namespace]
	if !ok {
		docs = make(map[string]model.Document)
		s.collections[namespace] = docs
	}
	docs[id] = maps.Clone(doc)
}

func (s *storage) delete(namespace string, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.collections[namespace]
	if _, ok := docs[id]; !ok {
		return false
	}
	delete(docs, id)
	return true
}

func (s *storage) dropNamespace(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, namespace)
}

// scan calls fn with a copy of every document of namespace until it returns false.
func (s *storage) scan(namespace string, fn func(id string, doc model.Document) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, doc := range s.collections[namespace] {
		if !fn(id, maps.Clone(doc)) {
			return
		}
	}
}

// deleteWhere removes the documents of namespace matching pred and returns
// how many went.
func (s *storage) deleteWhere(namespace string, pred func(doc model.Document) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, doc := range s.collections[namespace] {
		if pred(doc) {
			delete(s.collections[namespace], id)
			n++
		}
	}
	return n
}

func (s *storage) count(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[namespace])
}
