// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package genai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thomasng/taims/internal/model"
)

// fakeProvider is a configurable stand-in for the generation API.
type fakeProvider struct {
	models       []ModelInfo
	listStatus   int
	rateLimitFor int32 // fail this many generate calls with 429 first
	reply        string

	generateCalls atomic.Int32
}

func (f *fakeProvider) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/models"):
			if f.listStatus != 0 {
				w.WriteHeader(f.listStatus)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"models": f.models})
		case strings.Contains(r.URL.Path, ":generateContent"):
			n := f.generateCalls.Add(1)
			if n <= f.rateLimitFor {
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"code": 429, "status": "RESOURCE_EXHAUSTED", "message": "quota exceeded"},
				})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"candidates": []any{
					map[string]any{"content": map[string]any{
						"role":  "model",
						"parts": []any{map[string]any{"text": f.reply}},
					}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, f *fakeProvider) *Client {
	srv := f.server(t)
	return NewClient(&ClientConfig{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		RetryDelay: time.Millisecond,
	})
}

func genModel(name string) ModelInfo {
	return ModelInfo{Name: name, SupportedGenerationMethods: []string{"generateContent"}}
}

// =============================================================================
// MODEL RESOLUTION TESTS
// =============================================================================

func TestResolveModelPrefersFlash(t *testing.T) {
	client := newTestClient(t, &fakeProvider{models: []ModelInfo{
		genModel("models/gemini-1.5-pro"),
		genModel("models/gemini-1.5-flash"),
		genModel("models/gemini-exp"),
	}})

	got, err := client.ResolveModel(context.Background())
	if err != nil {
		t.Fatalf("ResolveModel failed: %v", err)
	}
	if got != "models/gemini-1.5-flash" {
		t.Errorf("resolved %q, want the flash variant", got)
	}
}

func TestResolveModelRecentPro(t *testing.T) {
	client := newTestClient(t, &fakeProvider{models: []ModelInfo{
		genModel("models/gemini-1.0-pro"),
		genModel("models/gemini-1.5-pro"),
	}})

	got, err := client.ResolveModel(context.Background())
	if err != nil {
		t.Fatalf("ResolveModel failed: %v", err)
	}
	if got != "models/gemini-1.5-pro" {
		t.Errorf("resolved %q, want the most recent pro variant", got)
	}
}

func TestResolveModelFirstAvailable(t *testing.T) {
	client := newTestClient(t, &fakeProvider{models: []ModelInfo{
		genModel("models/gemini-exp-a"),
		genModel("models/gemini-exp-b"),
	}})

	got, err := client.ResolveModel(context.Background())
	if err != nil {
		t.Fatalf("ResolveModel failed: %v", err)
	}
	if got != "models/gemini-exp-a" {
		t.Errorf("resolved %q, want first available", got)
	}
}

func TestResolveModelFallbackOnListFailure(t *testing.T) {
	client := newTestClient(t, &fakeProvider{listStatus: http.StatusInternalServerError})

	got, err := client.ResolveModel(context.Background())
	if err != nil {
		t.Fatalf("ResolveModel failed: %v", err)
	}
	if got != FallbackModel {
		t.Errorf("resolved %q, want fallback %q", got, FallbackModel)
	}
}

func TestResolveModelNoneSupportGeneration(t *testing.T) {
	client := newTestClient(t, &fakeProvider{models: []ModelInfo{
		{Name: "models/embedding-001", SupportedGenerationMethods: []string{"embedContent"}},
	}})

	_, err := client.ResolveModel(context.Background())
	if !errors.Is(err, ErrNoModels) {
		t.Errorf("expected ErrNoModels, got %v", err)
	}
}

func TestResolveModelConfiguredOverride(t *testing.T) {
	f := &fakeProvider{listStatus: http.StatusInternalServerError}
	srv := f.server(t)
	client := NewClient(&ClientConfig{BaseURL: srv.URL, APIKey: "k", Model: "models/custom"})

	got, err := client.ResolveModel(context.Background())
	if err != nil {
		t.Fatalf("ResolveModel failed: %v", err)
	}
	if got != "models/custom" {
		t.Errorf("resolved %q, want configured override", got)
	}
}

func TestResolveModelCached(t *testing.T) {
	f := &fakeProvider{models: []ModelInfo{genModel("models/gemini-1.5-flash")}}
	client := newTestClient(t, f)

	first, _ := client.ResolveModel(context.Background())

	// Second resolution must not hit the network again; break the models
	// list to prove it.
	f.models = nil
	second, err := client.ResolveModel(context.Background())
	if err != nil {
		t.Fatalf("second ResolveModel failed: %v", err)
	}
	if second != first {
		t.Errorf("cached resolution changed: %q then %q", first, second)
	}
}

// =============================================================================
// GENERATION TESTS
// =============================================================================

func TestGenerateReply(t *testing.T) {
	f := &fakeProvider{
		models: []ModelInfo{genModel("models/gemini-1.5-flash")},
		reply:  "Step 1: start small.",
	}
	client := newTestClient(t, f)

	history := []model.Turn{
		{Role: model.RoleUser, Content: "Plan my week"},
		{Role: model.RoleAssistant, Content: "Sure."},
	}
	got, err := client.GenerateReply(context.Background(), history, "More detail please")
	if err != nil {
		t.Fatalf("GenerateReply failed: %v", err)
	}
	if got != "Step 1: start small." {
		t.Errorf("reply = %q", got)
	}
	if f.generateCalls.Load() != 1 {
		t.Errorf("generate calls = %d, want 1", f.generateCalls.Load())
	}
}

func TestGenerateReplyRetriesRateLimit(t *testing.T) {
	f := &fakeProvider{
		models:       []ModelInfo{genModel("models/gemini-1.5-flash")},
		rateLimitFor: 2,
		reply:        "done",
	}
	client := newTestClient(t, f)

	var retries int
	client.OnRetry = func(int) { retries++ }

	got, err := client.GenerateReply(context.Background(), nil, "hello")
	if err != nil {
		t.Fatalf("GenerateReply failed after retries: %v", err)
	}
	if got != "done" {
		t.Errorf("reply = %q, want done", got)
	}
	if f.generateCalls.Load() != 3 {
		t.Errorf("generate calls = %d, want 3 (two rate-limited, one success)", f.generateCalls.Load())
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestGenerateReplyRateLimitExhausted(t *testing.T) {
	f := &fakeProvider{
		models:       []ModelInfo{genModel("models/gemini-1.5-flash")},
		rateLimitFor: 10,
	}
	client := newTestClient(t, f)

	_, err := client.GenerateReply(context.Background(), nil, "hello")
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected rate-limit error after exhausting retries, got %v", err)
	}
	if f.generateCalls.Load() != 3 {
		t.Errorf("generate calls = %d, want exactly MaxRetries", f.generateCalls.Load())
	}
}

func TestGenerateReplyNotConfigured(t *testing.T) {
	client := NewClient(&ClientConfig{BaseURL: "http://127.0.0.1:0"})
	_, err := client.GenerateReply(context.Background(), nil, "hi")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}
