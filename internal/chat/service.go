// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat orchestrates the conversation flow: persisting turns,
// calling the language model, and post-processing replies into exports.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thomasng/taims/internal/export"
	"github.com/thomasng/taims/internal/metrics"
	"github.com/thomasng/taims/internal/model"
	"github.com/thomasng/taims/internal/store"
)

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Generator produces model replies and structured extractions. Implemented
// by the hosted API client; tests substitute a fake.
type Generator interface {
	GenerateReply(ctx context.Context, history []model.Turn, newMessage string) (string, error)
	ExtractStructured(ctx context.Context, text string) ([]model.ScheduleEntry, error)
}

// ErrNoAssistantReply indicates an export was requested before the
// conversation has any assistant turn to extract from.
var ErrNoAssistantReply = errors.New("conversation has no assistant reply yet")

// ErrNoScheduleData indicates the latest reply held no extractable rows.
var ErrNoScheduleData = errors.New("no schedule data found in the reply")

// =============================================================================
// SERVICE
// =============================================================================

// Service wires the store, the generator and the exporters together.
type Service struct {
	store     store.Store
	generator Generator
	log       zerolog.Logger
	metrics   *metrics.Metrics

	spreadsheet export.Exporter
	calendar    export.Exporter

	now func() time.Time
}

// NewService creates the chat service.
func NewService(st store.Store, gen Generator, spreadsheet, calendar export.Exporter, log zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:       st,
		generator:   gen,
		log:         log,
		metrics:     m,
		spreadsheet: spreadsheet,
		calendar:    calendar,
		now:         time.Now,
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Reply is the outcome of one SendMessage round trip.
type Reply struct {
	ConversationID string     `json:"conversation_id"`
	Turn           model.Turn `json:"turn"`
}

// SendMessage appends the user's message to the conversation, generates the
// assistant reply and persists it. An empty conversationID starts a new
// conversation titled from the message.
//
// The user turn is saved before the model call so the question survives a
// generation failure. The assistant turn is saved exactly once, after the
// generator returns; retries happen inside the generator.
func (s *Service) SendMessage(ctx context.Context, user model.User, conversationID, message string) (*Reply, error) {
	started := s.now()
	newConversation := conversationID == ""

	var conv *model.Conversation
	if newConversation {
		conv = model.NewConversation(user.ID)
		conv.Title = model.DeriveTitle(message)
		conversationID = conv.ID
	} else {
		existing, err := s.getConversation(ctx, user.ID, conversationID)
		if err != nil {
			return nil, err
		}
		conv = existing
	}

	history, err := s.loadHistory(ctx, user.ID, conversationID, newConversation)
	if err != nil {
		return nil, err
	}

	userTurn := model.NewTurn(conversationID, user.ID, model.RoleUser, message)
	if err := s.saveTurn(ctx, userTurn); err != nil {
		return nil, fmt.Errorf("save user turn: %w", err)
	}

	conv.UpdatedAt = s.now().UTC()
	if err := s.upsertConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	replyText, err := s.generator.GenerateReply(ctx, history, message)
	if err != nil {
		s.metrics.GenerationsTotal.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Str("conversation_id", conversationID).Msg("generation failed")
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	s.metrics.GenerationsTotal.WithLabelValues("ok").Inc()
	s.metrics.GenerationDuration.Observe(s.now().Sub(started).Seconds())

	assistantTurn := model.NewTurn(conversationID, user.ID, model.RoleAssistant, replyText)
	if err := s.saveTurn(ctx, assistantTurn); err != nil {
		return nil, fmt.Errorf("save assistant turn: %w", err)
	}

	s.log.Info().
		Str("conversation_id", conversationID).
		Str("user_id", user.ID).
		Bool("new_conversation", newConversation).
		Int("history_turns", len(history)).
		Msg("message exchanged")

	return &Reply{ConversationID: conversationID, Turn: *assistantTurn}, nil
}

// loadHistory fetches prior turns for an existing conversation. A missing
// composite index degrades to empty history so the chat keeps working.
func (s *Service) loadHistory(ctx context.Context, userID, conversationID string, fresh bool) ([]model.Turn, error) {
	if fresh {
		return nil, nil
	}
	history, err := s.loadTurns(ctx, userID, conversationID)
	if err != nil {
		var indexErr *store.IndexError
		if errors.As(err, &indexErr) {
			s.logIndexError(indexErr, conversationID)
			return nil, nil
		}
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

// =============================================================================
// CONVERSATION MANAGEMENT
// =============================================================================

// ConversationList is the result of listing a user's conversations. When
// the backing query needs an index that does not exist yet, the list is
// empty and IndexHint carries the creation link.
type ConversationList struct {
	Conversations []model.Conversation `json:"conversations"`
	IndexHint     string               `json:"index_hint,omitempty"`
}

// ListConversations returns the user's conversations, newest first.
func (s *Service) ListConversations(ctx context.Context, user model.User) (*ConversationList, error) {
	started := s.now()
	convs, err := s.store.ListConversations(ctx, user.ID)
	s.observeStore("list_conversations", started, err)
	if err != nil {
		var indexErr *store.IndexError
		if errors.As(err, &indexErr) {
			s.logIndexError(indexErr, "")
			return &ConversationList{Conversations: []model.Conversation{}, IndexHint: indexErr.Link}, nil
		}
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return &ConversationList{Conversations: convs}, nil
}

// TurnList is the result of loading a conversation's turns.
type TurnList struct {
	Turns     []model.Turn `json:"turns"`
	IndexHint string       `json:"index_hint,omitempty"`
}

// LoadConversation returns the turns of one conversation in order.
func (s *Service) LoadConversation(ctx context.Context, user model.User, conversationID string) (*TurnList, error) {
	turns, err := s.loadTurns(ctx, user.ID, conversationID)
	if err != nil {
		var indexErr *store.IndexError
		if errors.As(err, &indexErr) {
			s.logIndexError(indexErr, conversationID)
			return &TurnList{Turns: []model.Turn{}, IndexHint: indexErr.Link}, nil
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	return &TurnList{Turns: turns}, nil
}

// DeleteConversation removes the conversation and its turns. Deleting a
// conversation that does not exist is not an error.
func (s *Service) DeleteConversation(ctx context.Context, user model.User, conversationID string) error {
	started := s.now()
	err := s.store.DeleteConversation(ctx, user.ID, conversationID)
	s.observeStore("delete_conversation", started, err)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.log.Info().Str("conversation_id", conversationID).Str("user_id", user.ID).Msg("conversation deleted")
	return nil
}

// =============================================================================
// EXPORTS
// =============================================================================

// ExportResult is a rendered download.
type ExportResult struct {
	Data          []byte
	FileExtension string
	MimeType      string
	EntryCount    int
}

// ExportSpreadsheet extracts schedule rows from the latest assistant reply
// and renders them as a spreadsheet.
func (s *Service) ExportSpreadsheet(ctx context.Context, user model.User, conversationID string) (*ExportResult, error) {
	return s.export(ctx, user, conversationID, s.spreadsheet, "spreadsheet")
}

// ExportCalendar extracts schedule rows from the latest assistant reply and
// renders them as an iCalendar file.
func (s *Service) ExportCalendar(ctx context.Context, user model.User, conversationID string) (*ExportResult, error) {
	return s.export(ctx, user, conversationID, s.calendar, "calendar")
}

// export runs the extraction call over the most recent assistant turn. The
// latest snapshot of the conversation is authoritative: earlier replies are
// never consulted.
func (s *Service) export(ctx context.Context, user model.User, conversationID string, exporter export.Exporter, format string) (*ExportResult, error) {
	turns, err := s.loadTurns(ctx, user.ID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	reply := latestAssistantTurn(turns)
	if reply == nil {
		return nil, ErrNoAssistantReply
	}

	entries, err := s.generator.ExtractStructured(ctx, reply.Content)
	if err != nil {
		s.metrics.ExtractionsTotal.WithLabelValues(format, "error").Inc()
		return nil, fmt.Errorf("extract schedule: %w", err)
	}
	if len(entries) == 0 {
		s.metrics.ExtractionsTotal.WithLabelValues(format, "empty").Inc()
		return nil, ErrNoScheduleData
	}

	data, err := exporter.Export(entries)
	if err != nil {
		if errors.Is(err, export.ErrNoEntries) {
			s.metrics.ExtractionsTotal.WithLabelValues(format, "empty").Inc()
			return nil, ErrNoScheduleData
		}
		s.metrics.ExtractionsTotal.WithLabelValues(format, "error").Inc()
		return nil, fmt.Errorf("render %s: %w", format, err)
	}
	s.metrics.ExtractionsTotal.WithLabelValues(format, "ok").Inc()

	s.log.Info().
		Str("conversation_id", conversationID).
		Str("format", format).
		Int("entries", len(entries)).
		Msg("export rendered")

	return &ExportResult{
		Data:          data,
		FileExtension: exporter.FileExtension(),
		MimeType:      exporter.MimeType(),
		EntryCount:    len(entries),
	}, nil
}

// latestAssistantTurn returns the last assistant turn, or nil.
func latestAssistantTurn(turns []model.Turn) *model.Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == model.RoleAssistant {
			return &turns[i]
		}
	}
	return nil
}

// =============================================================================
// STORE HELPERS
// =============================================================================

func (s *Service) saveTurn(ctx context.Context, turn *model.Turn) error {
	started := s.now()
	err := s.store.SaveTurn(ctx, turn)
	s.observeStore("save_turn", started, err)
	return err
}

// getConversation verifies the conversation exists and belongs to the
// caller before anything is written into it.
func (s *Service) getConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	started := s.now()
	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	s.observeStore("get_conversation", started, err)
	if err != nil {
		if errors.Is(err, store.ErrConversationNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", conversationID, store.ErrConversationNotFound)
		}
		return nil, fmt.Errorf("load conversation record: %w", err)
	}
	return conv, nil
}

func (s *Service) upsertConversation(ctx context.Context, conv *model.Conversation) error {
	started := s.now()
	err := s.store.UpsertConversation(ctx, conv)
	s.observeStore("upsert_conversation", started, err)
	return err
}

func (s *Service) loadTurns(ctx context.Context, userID, conversationID string) ([]model.Turn, error) {
	started := s.now()
	turns, err := s.store.LoadTurns(ctx, userID, conversationID)
	s.observeStore("load_turns", started, err)
	return turns, err
}

func (s *Service) observeStore(op string, started time.Time, err error) {
	s.metrics.RecordStoreOp(op, err, s.now().Sub(started))
}

func (s *Service) logIndexError(indexErr *store.IndexError, conversationID string) {
	evt := s.log.Warn().Str("create_index", indexErr.Link)
	if conversationID != "" {
		evt = evt.Str("conversation_id", conversationID)
	}
	evt.Msg("query needs a composite index; returning empty result")
}
