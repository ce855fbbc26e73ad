// Package mock provides an in-memory test double for share.Store.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/vibecanvas/internal/share"
)

// Store is an in-memory share.Store.
type Store struct {
	mu sync.Mutex

	// StoreName is returned by Name. Defaults to "mock".
	StoreName string

	// PutErr, if non-nil, is returned by Put.
	PutErr error

	// GetErr, if non-nil, is returned by Get.
	GetErr error

	pastes map[string]string
	putN   int
	getIDs []string
}

var _ share.Store = (*Store)(nil)

// Name implements share.Store.
func (s *Store) Name() string {
	if s.StoreName == "" {
		return "mock"
	}
	return s.StoreName
}

// Put implements share.Store. Ids are the store name plus a counter.
func (s *Store) Put(_ context.Context, content string) (share.Paste, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putN++
	if s.PutErr != nil {
		return share.Paste{}, s.PutErr
	}
	if s.pastes == nil {
		s.pastes = make(map[string]string)
	}
	id := fmt.Sprintf("%s-%d", s.Name(), s.putN)
	s.pastes[id] = content
	return share.Paste{ID: id, URL: "mock://" + id}, nil
}

// Get implements share.Store.
func (s *Store) Get(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getIDs = append(s.getIDs, id)
	if s.GetErr != nil {
		return "", s.GetErr
	}
	content, ok := s.pastes[id]
	if !ok {
		return "", share.ErrNotFound
	}
	return content, nil
}

// Seed stores content under id.
func (s *Store) Seed(id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pastes == nil {
		s.pastes = make(map[string]string)
	}
	s.pastes[id] = content
}

// PutCalls returns how many times Put was called.
func (s *Store) PutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putN
}

// GetCalls returns the ids passed to Get, in order.
func (s *Store) GetCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.getIDs...)
}
