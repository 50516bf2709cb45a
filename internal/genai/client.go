// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package genai provides the HTTP client for the text-generation API.
//
// The client resolves a model once per process by capability negotiation,
// generates replies from cumulative turn history plus a fixed system
// instruction, and performs structured extraction of schedule rows from
// free-form replies. The only retried failure is rate limiting, a small
// fixed number of attempts with a fixed backoff.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents an error from the generation client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotConfigured
	ErrTypeConnection
	ErrTypeRateLimited
	ErrTypeInvalidResponse
	ErrTypeNoModels
)

// Sentinel errors for easy checking.
var (
	ErrNotConfigured = &ClientError{Type: ErrTypeNotConfigured, Message: "generation API key not configured"}
	ErrRateLimited   = &ClientError{Type: ErrTypeRateLimited, Message: "rate limited"}
	ErrNoModels      = &ClientError{Type: ErrTypeNoModels, Message: "no model supporting generation is available"}
)

// Is lets errors.Is match sentinel *ClientError values by type.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// FallbackModel is used when model listing fails or returns nothing.
const FallbackModel = "models/gemini-1.5-flash"

// SystemInstruction is the fixed persona sent with every generation call.
const SystemInstruction = "You are TAIMS, a goal-planning assistant. " +
	"Break the user's goal into 3 concrete steps with timing for each step. " +
	"Answer in the user's language."

// ClientConfig holds configuration options for the generation client.
type ClientConfig struct {
	// BaseURL of the generation REST API.
	BaseURL string

	// APIKey authenticates every call.
	APIKey string

	// Model forces a model name, skipping capability negotiation.
	Model string

	// Timeout for requests (default: 60s).
	Timeout time.Duration

	// MaxRetries for rate-limited calls (default: 3).
	MaxRetries int

	// RetryDelay is the fixed backoff between attempts (default: 2s).
	RetryDelay time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
		Timeout:    60 * time.Second,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the generation API.
// It is safe for concurrent use.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client

	// OnRetry, when set, is invoked before each rate-limit retry.
	OnRetry func(attempt int)

	mu       sync.Mutex
	resolved string
}

// NewClient creates a generation client with the given configuration.
func NewClient(config *ClientConfig) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// IsConfigured returns true if the client has an API key.
func (c *Client) IsConfigured() bool {
	return c.config.APIKey != ""
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// Part is one piece of content in a turn.
type Part struct {
	Text string `json:"text"`
}

// Content is a single turn on the wire: a role plus text parts.
// Roles are "user" and "model".
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// generateRequest is the body for a generateContent call.
type generateRequest struct {
	Contents          []Content `json:"contents"`
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
}

// generateResponse is the success response for generateContent.
type generateResponse struct {
	Candidates []struct {
		Content Content `json:"content"`
	} `json:"candidates"`
}

// apiErrorResponse is the failure response shape.
type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// wireHistory converts saved turns plus the new message into wire contents.
func wireHistory(history []model.Turn, newMessage string) []Content {
	contents := make([]Content, 0, len(history)+1)
	for _, turn := range history {
		role := "user"
		if turn.Role == model.RoleAssistant {
			role = "model"
		}
		contents = append(contents, Content{
			Role:  role,
			Parts: []Part{{Text: turn.Content}},
		})
	}
	contents = append(contents, Content{
		Role:  "user",
		Parts: []Part{{Text: newMessage}},
	})
	return contents
}

// =============================================================================
// GENERATION
// =============================================================================

// GenerateReply sends the cumulative history plus the new message to the
// resolved model and returns the generated text. Rate-limited calls are
// retried up to MaxRetries times with a fixed delay; any other failure
// propagates to the caller.
func (c *Client) GenerateReply(ctx context.Context, history []model.Turn, newMessage string) (string, error) {
	return c.generate(ctx, generateRequest{
		Contents: wireHistory(history, newMessage),
		SystemInstruction: &Content{
			Parts: []Part{{Text: SystemInstruction}},
		},
	})
}

// generate runs one generateContent call with the retry policy.
func (c *Client) generate(ctx context.Context, reqBody generateRequest) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	modelName, err := c.ResolveModel(ctx)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.OnRetry != nil {
				c.OnRetry(attempt)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		text, err := c.doGenerate(ctx, modelName, reqBody)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				lastErr = err
				continue
			}
			return "", err
		}
		return text, nil
	}
	return "", &ClientError{Type: ErrTypeRateLimited, Message: "max retries exceeded", Cause: lastErr}
}

// doGenerate performs a single generateContent request.
func (c *Client) doGenerate(ctx context.Context, modelName string, reqBody generateRequest) (string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	url := c.config.BaseURL + "/" + modelName + ":generateContent?key=" + c.config.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", &ClientError{Type: ErrTypeConnection, Message: "generation request failed", Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ClientError{Type: ErrTypeConnection, Message: "failed to read response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp.StatusCode, respBody)
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to parse response", Cause: err}
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", &ClientError{Type: ErrTypeInvalidResponse, Message: "response contained no candidates"}
	}

	var sb strings.Builder
	for _, part := range genResp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// handleErrorResponse converts HTTP error responses to client errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		if statusCode == http.StatusTooManyRequests || apiErr.Error.Status == "RESOURCE_EXHAUSTED" {
			return &ClientError{Type: ErrTypeRateLimited, Message: apiErr.Error.Message}
		}
		return &ClientError{Type: ErrTypeInvalidResponse, Message: apiErr.Error.Message}
	}

	if statusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return &ClientError{
		Type:    ErrTypeInvalidResponse,
		Message: "generation request failed: " + http.StatusText(statusCode),
	}
}
