// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity provides the REST client for the identity provider.
//
// Authentication is fully delegated: the application posts credentials to
// the provider's accounts:signUp / accounts:signInWithPassword endpoints
// and keeps only the returned user identifier and email. There is no
// locally-owned credential state and no retry; a transport failure is
// reported as a uniform connection error.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thomasng/taims/internal/model"
)

// Configuration constants for the identity REST API.
const (
	// DefaultTimeout is the default timeout for identity requests.
	DefaultTimeout = 15 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 1 * 1024 * 1024
)

// Error variables for common identity errors.
var (
	// ErrNotConfigured indicates the web API key is not set.
	ErrNotConfigured = errors.New("identity web API key not configured")

	// ErrConnection indicates the provider could not be reached. All
	// transport failures collapse into this one user-visible error.
	ErrConnection = errors.New("connection error")

	// ErrInvalidCredentials indicates the email/password pair was rejected.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrEmailExists indicates a sign-up with an already-registered email.
	ErrEmailExists = errors.New("email already registered")

	// ErrWeakPassword indicates the provider rejected the password.
	ErrWeakPassword = errors.New("password too weak")
)

// APIError represents an error response from the identity provider.
type APIError struct {
	Code   string
	Status int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("identity error [%s] (HTTP %d)", e.Code, e.Status)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// credentialsRequest is the JSON body for both sign-in and sign-up.
type credentialsRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

// authResponse is the success response shape.
type authResponse struct {
	LocalID string `json:"localId"`
	Email   string `json:"email"`
	IDToken string `json:"idToken"`
}

// apiErrorResponse is the failure response shape.
type apiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a client for the identity provider REST API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an identity client for the given endpoint and web API key.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// WithHTTPClient sets a custom HTTP client (used by tests).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// IsConfigured returns true if the client has a web API key.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// SignUp registers a new account and returns its user identity.
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.User, error) {
	return c.call(ctx, "accounts:signUp", email, password)
}

// SignIn verifies credentials and returns the user identity.
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.User, error) {
	return c.call(ctx, "accounts:signInWithPassword", email, password)
}

// call posts credentials to one of the accounts endpoints.
func (c *Client) call(ctx context.Context, action, email, password string) (*model.User, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(credentialsRequest{
		Email:             email,
		Password:          password,
		ReturnSecureToken: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.endpoint + "/" + action + "?key=" + c.apiKey
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, ErrConnection
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, ErrConnection
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, respBody)
	}

	var auth authResponse
	if err := json.Unmarshal(respBody, &auth); err != nil {
		return nil, fmt.Errorf("failed to parse identity response: %w", err)
	}
	if auth.LocalID == "" {
		return nil, fmt.Errorf("identity response missing user id")
	}

	return &model.User{ID: auth.LocalID, Email: auth.Email}, nil
}

// handleErrorResponse maps provider error codes to sentinel errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Message == "" {
		return &APIError{Code: "UNKNOWN", Status: statusCode}
	}

	// The provider encodes the reason in the message field, sometimes with
	// a trailing detail after " : ".
	code := apiErr.Error.Message
	if idx := strings.Index(code, " "); idx > 0 {
		code = code[:idx]
	}

	switch code {
	case "EMAIL_EXISTS":
		return ErrEmailExists
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS", "USER_DISABLED":
		return ErrInvalidCredentials
	case "WEAK_PASSWORD":
		return ErrWeakPassword
	default:
		return &APIError{Code: code, Status: statusCode}
	}
}
