package storage

import (
	"sort"
	"sync"

	"pagecache/internal/page"
)

// Stats summarizes the contents of a store.
type Stats struct {
	Pages int
	Bytes int64
}

// Store defines the interface for page storage.
type Store interface {
	// Get returns a copy of the page. ok is false if the page is absent.
	Get(key page.Key) (data []byte, ok bool)
	// Read returns up to length bytes at offset within the page. Reads past
	// the end of the page are truncated.
	Read(key page.Key, offset, length int64) (data []byte, ok bool)
	// Put stores a copy of data as the page, replacing any previous content.
	Put(key page.Key, data []byte)
	// Delete removes a page and reports whether it existed.
	Delete(key page.Key) bool
	// DeleteFile removes every page of fileID and returns how many were
	// removed.
	DeleteFile(fileID string) int
	// Pages returns the indexes of the stored pages of fileID in order.
	Pages(fileID string) []int64
	// Stats returns the number of pages and bytes held.
	Stats() Stats
}

// InMemoryStore is an in-memory implementation of Store.
// It's thread-safe.
type InMemoryStore struct {
	mu    sync.RWMutex
	pages map[page.Key][]byte
	bytes int64
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		pages: make(map[page.Key][]byte),
	}
}

// Get retrieves a page.
func (s *InMemoryStore) Get(key page.Key) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.pages[key]
	if !exists {
		return nil, false
	}
	// Return a copy to avoid external modifications
	return append([]byte(nil), data...), true
}

// Read retrieves part of a page.
func (s *InMemoryStore) Read(key page.Key, offset, length int64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.pages[key]
	if !exists {
		return nil, false
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(data)) || length <= 0 {
		return []byte{}, true
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[offset:end]...), true
}

// Put stores a page.
func (s *InMemoryStore) Put(key page.Key, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.pages[key]; exists {
		s.bytes -= int64(len(old))
	}
	s.pages[key] = append([]byte(nil), data...)
	s.bytes += int64(len(data))
}

// Delete removes a page.
func (s *InMemoryStore) Delete(key page.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, exists := s.pages[key]
	if !exists {
		return false
	}
	delete(s.pages, key)
	s.bytes -= int64(len(old))
	return true
}

// DeleteFile removes all pages of a file.
func (s *InMemoryStore) DeleteFile(fileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, data := range s.pages {
		if key.FileID == fileID {
			delete(s.pages, key)
			s.bytes -= int64(len(data))
			removed++
		}
	}
	return removed
}

// Pages lists the stored page indexes of a file.
func (s *InMemoryStore) Pages(fileID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var idx []int64
	for key := range s.pages {
		if key.FileID == fileID {
			idx = append(idx, key.Index)
		}
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	return idx
}

// Stats returns store totals.
func (s *InMemoryStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Pages: len(s.pages), Bytes: s.bytes}
}
