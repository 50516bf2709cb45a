// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/thomasng/taims/internal/model"
)

func newFirestoreTestStore(t *testing.T, handler http.Handler) *FirestoreStore {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	s, err := NewFirestoreStore("test-project", "test-token")
	if err != nil {
		t.Fatalf("NewFirestoreStore() error = %v", err)
	}
	return s.WithEndpoint(server.URL)
}

func TestFirestoreNotConfigured(t *testing.T) {
	if _, err := NewFirestoreStore("", "token"); !errors.Is(err, ErrFirestoreNotConfigured) {
		t.Errorf("missing project: error = %v, want ErrFirestoreNotConfigured", err)
	}
	if _, err := NewFirestoreStore("project", ""); !errors.Is(err, ErrFirestoreNotConfigured) {
		t.Errorf("missing token: error = %v, want ErrFirestoreNotConfigured", err)
	}
}

func TestFirestoreSaveTurn(t *testing.T) {
	var gotPath, gotAuth string
	var gotDoc document

	s := newFirestoreTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotDoc)
		json.NewEncoder(w).Encode(document{Name: "projects/p/databases/(default)/documents/chat_logs/t1"})
	}))

	turn := model.NewTurn("c1", "u1", model.RoleUser, "hello")
	if err := s.SaveTurn(context.Background(), turn); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}

	if !strings.Contains(gotPath, "/chat_logs?documentId="+turn.ID) {
		t.Errorf("request path = %q, want chat_logs create with documentId", gotPath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotDoc.Fields["ownerId"].str() != "u1" || gotDoc.Fields["content"].str() != "hello" {
		t.Errorf("document fields = %+v, want ownerId and content set", gotDoc.Fields)
	}
}

func TestFirestoreLoadTurnsIndexError(t *testing.T) {
	const link = "https://console.firebase.google.com/v1/r/project/test/firestore/indexes?create_composite=abc123"

	s := newFirestoreTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    400,
				"status":  "FAILED_PRECONDITION",
				"message": "The query requires an index. You can create it here: " + link,
			},
		})
	}))

	_, err := s.LoadTurns(context.Background(), "u1", "c1")
	if err == nil {
		t.Fatal("LoadTurns() error = nil, want IndexError")
	}

	var indexErr *IndexError
	if !errors.As(err, &indexErr) {
		t.Fatalf("LoadTurns() error = %v, want *IndexError", err)
	}
	if indexErr.Link != link {
		t.Errorf("IndexError.Link = %q, want %q", indexErr.Link, link)
	}
	if !IsIndexError(err) {
		t.Error("IsIndexError() = false, want true")
	}
}

func TestFirestoreLoadTurnsQueryShape(t *testing.T) {
	var gotQuery map[string]any

	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newFirestoreTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotQuery)
		json.NewEncoder(w).Encode([]queryResult{
			{Document: &document{
				Name: "projects/p/databases/(default)/documents/chat_logs/t1",
				Fields: map[string]value{
					"conversationId": stringVal("c1"),
					"ownerId":        stringVal("u1"),
					"role":           stringVal("user"),
					"content":        stringVal("hello"),
					"timestamp":      timeVal(ts),
				},
			}},
			{Document: nil}, // trailing read-metadata entry
		})
	}))

	turns, err := s.LoadTurns(context.Background(), "u1", "c1")
	if err != nil {
		t.Fatalf("LoadTurns() error = %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	if turns[0].ID != "t1" || turns[0].Content != "hello" || turns[0].Role != model.RoleUser {
		t.Errorf("turn = %+v, want decoded document", turns[0])
	}
	if !turns[0].CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %v, want %v", turns[0].CreatedAt, ts)
	}

	raw, _ := json.Marshal(gotQuery)
	for _, want := range []string{"compositeFilter", "conversationId", "ownerId", `"timestamp"`, "ASCENDING"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("query missing %q: %s", want, raw)
		}
	}
}

func TestFirestoreUpsertRetriesOnConflict(t *testing.T) {
	var calls []string

	s := newFirestoreTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.RawQuery)
		if strings.Contains(r.URL.RawQuery, "currentDocument.exists=false") {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 409, "status": "ALREADY_EXISTS", "message": "Document already exists"},
			})
			return
		}
		json.NewEncoder(w).Encode(document{Name: "projects/p/databases/(default)/documents/sessions/c1"})
	}))

	conv := model.NewConversation("u1")
	conv.ID = "c1"
	conv.Title = "Updated"
	if err := s.UpsertConversation(context.Background(), conv); err != nil {
		t.Fatalf("UpsertConversation() error = %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("got %d requests, want create attempt then merge patch", len(calls))
	}
	if !strings.Contains(calls[1], "updateMask.fieldPaths=title") {
		t.Errorf("merge patch query = %q, want title in update mask", calls[1])
	}
	if !strings.Contains(calls[0], "updateMask.fieldPaths=ownerId") {
		t.Errorf("create query = %q, want ownerId in create mask", calls[0])
	}
	if strings.Contains(calls[1], "ownerId") {
		t.Errorf("merge patch query = %q, the update mask must not touch ownerId", calls[1])
	}
}

func TestFirestoreGetConversation(t *testing.T) {
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	s := newFirestoreTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/sessions/c1") {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 404, "status": "NOT_FOUND", "message": "Document not found"},
			})
			return
		}
		json.NewEncoder(w).Encode(document{
			Name: "projects/p/databases/(default)/documents/sessions/c1",
			Fields: map[string]value{
				"ownerId":   stringVal("alice"),
				"title":     stringVal("Alice's plan"),
				"updatedAt": timeVal(ts),
			},
		})
	}))

	conv, err := s.GetConversation(context.Background(), "alice", "c1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Title != "Alice's plan" || !conv.UpdatedAt.Equal(ts) {
		t.Errorf("conversation = %+v, want decoded document", conv)
	}

	if _, err := s.GetConversation(context.Background(), "bob", "c1"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("foreign owner: error = %v, want ErrConversationNotFound", err)
	}
	if _, err := s.GetConversation(context.Background(), "alice", "absent"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("absent document: error = %v, want ErrConversationNotFound", err)
	}
}

func TestFirestoreDeleteRequiresOwner(t *testing.T) {
	var deletes int

	s := newFirestoreTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/sessions/c1"):
			json.NewEncoder(w).Encode(document{
				Name: "projects/p/databases/(default)/documents/sessions/c1",
				Fields: map[string]value{
					"ownerId":   stringVal("alice"),
					"updatedAt": timeVal(time.Now()),
				},
			})
		case r.Method == http.MethodDelete:
			deletes++
			w.Write([]byte("{}"))
		default:
			// Turn queries for the owner's own delete path.
			json.NewEncoder(w).Encode([]queryResult{})
		}
	}))

	if err := s.DeleteConversation(context.Background(), "bob", "c1"); err != nil {
		t.Fatalf("DeleteConversation(bob) error = %v", err)
	}
	if deletes != 0 {
		t.Errorf("foreign delete issued %d DELETE requests, want 0", deletes)
	}

	if err := s.DeleteConversation(context.Background(), "alice", "c1"); err != nil {
		t.Fatalf("DeleteConversation(alice) error = %v", err)
	}
	if deletes != 1 {
		t.Errorf("owner delete issued %d DELETE requests, want 1", deletes)
	}
}

func TestFirestoreConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()

	s, err := NewFirestoreStore("test-project", "test-token")
	if err != nil {
		t.Fatalf("NewFirestoreStore() error = %v", err)
	}
	s = s.WithEndpoint(server.URL)

	if err := s.SaveTurn(context.Background(), model.NewTurn("c1", "u1", model.RoleUser, "x")); !errors.Is(err, ErrFirestoreConnection) {
		t.Errorf("SaveTurn() error = %v, want ErrFirestoreConnection", err)
	}
}
