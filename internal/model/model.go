// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for users, conversations and turns.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether the role is one of the accepted values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// =============================================================================
// USER TYPE
// =============================================================================

// User identifies an authenticated user as reported by the identity provider.
// The application holds no credential state of its own.
type User struct {
	ID    string `json:"user_id"`
	Email string `json:"email"`
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is a single message in a conversation. Turns are append-only and
// immutable once saved; duplicate saves create duplicate turns.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewTurn creates a turn with a generated ID and the current timestamp.
func NewTurn(conversationID, userID string, role Role, content string) *Turn {
	return &Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// TitleMaxRunes is the maximum length of a derived conversation title.
const TitleMaxRunes = 40

// Conversation groups an ordered set of turns under one owner.
// The title is derived from the first user turn and refreshed by merge
// whenever a user turn is saved.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewConversation creates an empty conversation owned by userID.
func NewConversation(userID string) *Conversation {
	return &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		UpdatedAt: time.Now().UTC(),
	}
}

// =============================================================================
// SCHEDULE ENTRY TYPE
// =============================================================================

// ScheduleEntry is one row extracted from an assistant reply by the
// structured-extraction call. Fields are free-form strings as written in
// the source text (e.g. Day "Thứ 7", Period "8-9", Location "F303").
type ScheduleEntry struct {
	Subject  string `json:"subject"`
	Day      string `json:"day"`
	Period   string `json:"period"`
	Location string `json:"location"`
}

// DeriveTitle produces a conversation title from the first user message.
// The text is NFC-normalized before truncation so that combining marks in
// Vietnamese input do not get split, then cut to TitleMaxRunes runes.
func DeriveTitle(firstMessage string) string {
	s := norm.NFC.String(firstMessage)
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return "New conversation"
	}
	runes := []rune(s)
	if len(runes) > TitleMaxRunes {
		return string(runes[:TitleMaxRunes-3]) + "..."
	}
	return s
}
