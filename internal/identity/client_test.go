// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeIdentity spins up an httptest server imitating the provider.
// Accounts are kept in memory so sign-up followed by sign-in returns a
// stable user identifier.
func fakeIdentity(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()

	type account struct {
		id       string
		password string
	}
	accounts := map[string]account{}
	next := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		fail := func(msg string) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": 400, "message": msg},
			})
		}

		switch {
		case strings.HasSuffix(r.URL.Path, "accounts:signUp"):
			if _, ok := accounts[req.Email]; ok {
				fail("EMAIL_EXISTS")
				return
			}
			next++
			acc := account{id: fmt.Sprintf("uid-%04d", next), password: req.Password}
			accounts[req.Email] = acc
			json.NewEncoder(w).Encode(map[string]string{"localId": acc.id, "email": req.Email, "idToken": "tok"})
		case strings.HasSuffix(r.URL.Path, "accounts:signInWithPassword"):
			acc, ok := accounts[req.Email]
			if !ok {
				fail("EMAIL_NOT_FOUND")
				return
			}
			if acc.password != req.Password {
				fail("INVALID_PASSWORD")
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"localId": acc.id, "email": req.Email, "idToken": "tok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	return srv, NewClient(srv.URL, "test-web-key")
}

// =============================================================================
// SIGN-UP / SIGN-IN TESTS
// =============================================================================

func TestSignUpThenSignInSameUserID(t *testing.T) {
	_, client := fakeIdentity(t)
	ctx := context.Background()

	created, err := client.SignUp(ctx, "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	if created.ID == "" || created.Email != "a@x.com" {
		t.Fatalf("unexpected user: %+v", created)
	}

	signedIn, err := client.SignIn(ctx, "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("SignIn failed: %v", err)
	}
	if signedIn.ID != created.ID {
		t.Errorf("sign-in user ID = %q, want %q", signedIn.ID, created.ID)
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	_, client := fakeIdentity(t)
	ctx := context.Background()

	if _, err := client.SignUp(ctx, "a@x.com", "secret1"); err != nil {
		t.Fatalf("first SignUp failed: %v", err)
	}
	_, err := client.SignUp(ctx, "a@x.com", "other")
	if !errors.Is(err, ErrEmailExists) {
		t.Errorf("expected ErrEmailExists, got %v", err)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	_, client := fakeIdentity(t)
	ctx := context.Background()

	if _, err := client.SignUp(ctx, "a@x.com", "secret1"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	_, err := client.SignIn(ctx, "a@x.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignInUnknownEmail(t *testing.T) {
	_, client := fakeIdentity(t)

	_, err := client.SignIn(context.Background(), "nobody@x.com", "pw")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

// =============================================================================
// FAILURE MODE TESTS
// =============================================================================

func TestConnectionFailureIsUniform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately unreachable

	client := NewClient(srv.URL, "key")
	_, err := client.SignIn(context.Background(), "a@x.com", "pw")
	if !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}

func TestNotConfigured(t *testing.T) {
	client := NewClient("https://example.invalid", "")
	_, err := client.SignIn(context.Background(), "a@x.com", "pw")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestUnknownProviderErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 400, "message": "TOO_MANY_ATTEMPTS_TRY_LATER : slow down"},
		})
	}))
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL, "key")
	_, err := client.SignIn(context.Background(), "a@x.com", "pw")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Code != "TOO_MANY_ATTEMPTS_TRY_LATER" {
		t.Errorf("Code = %q, want TOO_MANY_ATTEMPTS_TRY_LATER", apiErr.Code)
	}
}
