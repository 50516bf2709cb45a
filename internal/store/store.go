// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides conversation persistence for the TAIMS server.
//
// Three backends implement the same contract: a document-store REST client
// for production, sqlite for local single-node use, and an in-memory store
// for tests. Turns live in the chat_logs collection, conversation records
// in sessions; every read is filtered by the owning user ID.
package store

import (
	"context"
	"errors"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation does not exist
// or belongs to a different user. The two cases are deliberately not
// distinguishable to the caller.
var ErrConversationNotFound = errors.New("conversation not found")

// IndexError indicates the backing store needs a composite index that has
// not been provisioned. This is an operator configuration concern; reads
// hitting it fail open to empty results with the remediation link surfaced.
type IndexError struct {
	// Link is the provisioning URL extracted from the store's error text,
	// when present.
	Link    string
	Message string
}

// Error implements the error interface.
func (e *IndexError) Error() string {
	if e.Link != "" {
		return "missing composite index (create it at " + e.Link + ")"
	}
	return "missing composite index: " + e.Message
}

// IsIndexError reports whether err is a missing-index error.
func IsIndexError(err error) bool {
	var ie *IndexError
	return errors.As(err, &ie)
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the persistence contract shared by all backends.
//
// SaveTurn is append-only: duplicate calls create duplicate turns, there
// is no deduplication. DeleteConversation removes the conversation record
// and then its turns in two non-transactional steps; deleting an absent
// conversation is a no-op.
type Store interface {
	// SaveTurn appends a turn to chat_logs.
	SaveTurn(ctx context.Context, turn *model.Turn) error

	// UpsertConversation merges the conversation record into sessions.
	// Fields absent from the update keep their stored values. The owner
	// is set on create and never changed by later upserts.
	UpsertConversation(ctx context.Context, conv *model.Conversation) error

	// GetConversation returns the conversation record if it exists and
	// belongs to userID, ErrConversationNotFound otherwise.
	GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error)

	// ListConversations returns the user's conversations, newest first.
	ListConversations(ctx context.Context, userID string) ([]model.Conversation, error)

	// LoadTurns returns a conversation's turns in chronological order,
	// restricted to the owning user.
	LoadTurns(ctx context.Context, userID, conversationID string) ([]model.Turn, error)

	// DeleteConversation removes the conversation and all its turns.
	DeleteConversation(ctx context.Context, userID, conversationID string) error

	// Close releases backend resources.
	Close() error
}
