// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/thomasng/taims/internal/model"
)

func TestCreateAndGet(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	sess, err := m.Create(model.User{ID: "u1", Email: "a@b.c"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if len(sess.Token) != tokenBytes*2 {
		t.Errorf("token length = %d, want %d hex chars", len(sess.Token), tokenBytes*2)
	}

	got, err := m.Get(sess.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.User.ID != "u1" || got.User.Email != "a@b.c" {
		t.Errorf("Get() user = %+v, want u1/a@b.c", got.User)
	}
}

func TestTokensAreUnique(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess, err := m.Create(model.User{ID: "u1"})
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if seen[sess.Token] {
			t.Fatalf("duplicate token %q", sess.Token)
		}
		seen[sess.Token] = true
	}
}

func TestGetUnknownToken(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	if _, err := m.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestExpiry(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	defer m.Close()

	sess, err := m.Create(model.User{ID: "u1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := m.Get(sess.Token); !errors.Is(err, ErrExpired) {
		t.Errorf("Get() after timeout error = %v, want ErrExpired", err)
	}
	// The expired session is gone; a second lookup is plain not-found.
	if _, err := m.Get(sess.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Get() error = %v, want ErrNotFound", err)
	}
}

func TestActivityExtendsSession(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	defer m.Close()

	sess, err := m.Create(model.User{ID: "u1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Keep touching the session past the original deadline.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		if _, err := m.Get(sess.Token); err != nil {
			t.Fatalf("Get() on touch %d error = %v", i, err)
		}
	}
}

func TestSetConversation(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	sess, _ := m.Create(model.User{ID: "u1"})
	if err := m.SetConversation(sess.Token, "c42"); err != nil {
		t.Fatalf("SetConversation() error = %v", err)
	}

	got, err := m.Get(sess.Token)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ConversationID != "c42" {
		t.Errorf("ConversationID = %q, want c42", got.ConversationID)
	}

	if err := m.SetConversation("nope", "c42"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetConversation(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	m := NewManager(time.Minute)
	defer m.Close()

	sess, _ := m.Create(model.User{ID: "u1"})
	m.Delete(sess.Token)

	if _, err := m.Get(sess.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}

	// Deleting twice is fine.
	m.Delete(sess.Token)
}
