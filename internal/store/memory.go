// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// MemoryStore keeps everything in process memory. Used by tests and the
// "memory" backend.
type MemoryStore struct {
	mu            sync.RWMutex
	turns         []model.Turn
	conversations map[string]model.Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]model.Conversation),
	}
}

// SaveTurn appends a turn.
func (s *MemoryStore) SaveTurn(_ context.Context, turn *model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, *turn)
	return nil
}

// UpsertConversation merges a conversation record.
func (s *MemoryStore) UpsertConversation(_ context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.conversations[conv.ID]
	if !ok {
		s.conversations[conv.ID] = *conv
		return nil
	}

	// Merge semantics: zero-valued fields keep the stored value. The
	// owner is never rewritten on an existing record.
	if conv.Title != "" {
		existing.Title = conv.Title
	}
	if !conv.UpdatedAt.IsZero() {
		existing.UpdatedAt = conv.UpdatedAt
	}
	s.conversations[conv.ID] = existing
	return nil
}

// GetConversation returns the record when it exists and belongs to userID.
func (s *MemoryStore) GetConversation(_ context.Context, userID, conversationID string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok || conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	copied := conv
	return &copied, nil
}

// ListConversations returns the user's conversations, newest first.
func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conversation
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// LoadTurns returns the conversation's turns in chronological order.
func (s *MemoryStore) LoadTurns(_ context.Context, userID, conversationID string) ([]model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Turn
	for _, turn := range s.turns {
		if turn.ConversationID == conversationID && turn.UserID == userID {
			out = append(out, turn)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteConversation removes the conversation and its turns. Deleting an
// unknown ID is a no-op.
func (s *MemoryStore) DeleteConversation(_ context.Context, userID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, ok := s.conversations[conversationID]; ok && conv.UserID == userID {
		delete(s.conversations, conversationID)
	}

	kept := s.turns[:0]
	for _, turn := range s.turns {
		if turn.ConversationID == conversationID && turn.UserID == userID {
			continue
		}
		kept = append(kept, turn)
	}
	s.turns = kept
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
