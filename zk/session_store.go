// Copyright 2025 The Go ZooKeeper SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package zk

import (
	"context"
	"fmt"
	"sync"

	"github.com/segmentio/encoding/json"
)

// SessionState is the durable identity of a live session. A process that
// saved it before exiting can resume the session after a restart, as long
// as the server-side session has not timed out.
type SessionState struct {
	SessionID int64  `json:"sessionId"`
	Password  []byte `json:"password"`
	LastZxid  int64  `json:"lastZxid"`
}

// A SessionStore persists session state across process restarts.
//
// Implementations must be safe for concurrent use.
type SessionStore interface {
	// Load returns the previously saved state. A nil result indicates that
	// no state is available.
	Load(ctx context.Context) (*SessionState, error)
	// Save persists the provided state. The state must not be modified
	// after the call returns. Passing a nil state is equivalent to Delete.
	Save(ctx context.Context, state *SessionState) error
	// Delete forgets any saved state. It must not return an error if no
	// state is recorded.
	Delete(ctx context.Context) error
}

// MemorySessionStore is an in-memory implementation of SessionStore.
//
// It is primarily intended for testing or simple deployments.
type MemorySessionStore struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemorySessionStore returns a MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

// Load implements SessionStore.
func (s *MemorySessionStore) Load(ctx context.Context) (*SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()
	if data == nil {
		return nil, nil
	}
	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	return &state, nil
}

// Save implements SessionStore.
func (s *MemorySessionStore) Save(ctx context.Context, state *SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil {
		return s.Delete(ctx)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode session state: %w", err)
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Delete implements SessionStore.
func (s *MemorySessionStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}
