// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

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

// =============================================================================
// CONSTANTS & ERRORS
// =============================================================================

const (
	// DefaultFirestoreEndpoint is the production Firestore REST API.
	DefaultFirestoreEndpoint = "https://firestore.googleapis.com/v1"

	collectionConversations = "sessions"
	collectionTurns         = "chat_logs"

	firestoreTimeout = 30 * time.Second
)

var (
	// ErrFirestoreNotConfigured indicates a missing project or token.
	ErrFirestoreNotConfigured = errors.New("firestore backend is not configured")

	// ErrFirestoreConnection indicates the API could not be reached.
	ErrFirestoreConnection = errors.New("cannot connect to firestore")
)

// FirestoreAPIError is a non-2xx response from the Firestore REST API.
type FirestoreAPIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *FirestoreAPIError) Error() string {
	return fmt.Sprintf("firestore api error (%d %s): %s", e.StatusCode, e.Status, e.Message)
}

// =============================================================================
// CLIENT
// =============================================================================

// FirestoreStore talks to the Firestore REST API. Documents live under
// projects/{project}/databases/(default)/documents in the sessions and
// chat_logs collections.
type FirestoreStore struct {
	endpoint   string
	project    string
	token      string
	httpClient *http.Client
}

// NewFirestoreStore creates a store for the given project, authenticating
// every request with the bearer token.
func NewFirestoreStore(project, token string) (*FirestoreStore, error) {
	if project == "" || token == "" {
		return nil, ErrFirestoreNotConfigured
	}
	return &FirestoreStore{
		endpoint:   DefaultFirestoreEndpoint,
		project:    project,
		token:      token,
		httpClient: &http.Client{Timeout: firestoreTimeout},
	}, nil
}

// WithEndpoint overrides the API base URL. Used in tests.
func (s *FirestoreStore) WithEndpoint(endpoint string) *FirestoreStore {
	s.endpoint = strings.TrimSuffix(endpoint, "/")
	return s
}

// WithHTTPClient overrides the HTTP client.
func (s *FirestoreStore) WithHTTPClient(client *http.Client) *FirestoreStore {
	s.httpClient = client
	return s
}

func (s *FirestoreStore) documentsPath() string {
	return fmt.Sprintf("%s/projects/%s/databases/(default)/documents", s.endpoint, s.project)
}

// =============================================================================
// WIRE TYPES
// =============================================================================

// value is a Firestore typed value. Exactly one field is set.
type value struct {
	StringValue    *string    `json:"stringValue,omitempty"`
	TimestampValue *time.Time `json:"timestampValue,omitempty"`
}

func stringVal(s string) value { return value{StringValue: &s} }

func timeVal(t time.Time) value {
	u := t.UTC()
	return value{TimestampValue: &u}
}

func (v value) str() string {
	if v.StringValue != nil {
		return *v.StringValue
	}
	return ""
}

func (v value) timestamp() time.Time {
	if v.TimestampValue != nil {
		return *v.TimestampValue
	}
	return time.Time{}
}

type document struct {
	Name   string           `json:"name,omitempty"`
	Fields map[string]value `json:"fields"`
}

// documentID extracts the final path segment of the document name.
func (d document) documentID() string {
	idx := strings.LastIndex(d.Name, "/")
	if idx < 0 {
		return d.Name
	}
	return d.Name[idx+1:]
}

type queryResult struct {
	Document *document `json:"document,omitempty"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// SaveTurn creates a chat_logs document keyed by the turn ID.
func (s *FirestoreStore) SaveTurn(ctx context.Context, turn *model.Turn) error {
	doc := document{Fields: map[string]value{
		"conversationId": stringVal(turn.ConversationID),
		"ownerId":        stringVal(turn.UserID),
		"role":           stringVal(string(turn.Role)),
		"content":        stringVal(turn.Content),
		"timestamp":      timeVal(turn.CreatedAt),
	}}
	url := fmt.Sprintf("%s/%s?documentId=%s", s.documentsPath(), collectionTurns, turn.ID)
	_, err := s.do(ctx, http.MethodPost, url, doc)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

// UpsertConversation patches the sessions document with an update mask so
// unlisted fields keep their stored values. ownerId is only in the mask of
// the create attempt; an existing document never changes hands.
func (s *FirestoreStore) UpsertConversation(ctx context.Context, conv *model.Conversation) error {
	fields := map[string]value{
		"ownerId":   stringVal(conv.UserID),
		"updatedAt": timeVal(conv.UpdatedAt),
	}
	createMask := []string{"ownerId", "updatedAt"}
	updateMask := []string{"updatedAt"}
	if conv.Title != "" {
		fields["title"] = stringVal(conv.Title)
		createMask = append(createMask, "title")
		updateMask = append(updateMask, "title")
	}

	url := fmt.Sprintf("%s/%s/%s?currentDocument.exists=false&%s",
		s.documentsPath(), collectionConversations, conv.ID, maskParams(createMask))

	_, err := s.do(ctx, http.MethodPatch, url, document{Fields: fields})
	if err == nil {
		return nil
	}

	// The precondition rejects the patch when the document already exists;
	// retry without it so the update merges into the stored record.
	var apiErr *FirestoreAPIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		url = fmt.Sprintf("%s/%s/%s?%s",
			s.documentsPath(), collectionConversations, conv.ID, maskParams(updateMask))
		_, err = s.do(ctx, http.MethodPatch, url, document{Fields: fields})
	}
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func maskParams(fields []string) string {
	params := make([]string, len(fields))
	for i, field := range fields {
		params[i] = "updateMask.fieldPaths=" + field
	}
	return strings.Join(params, "&")
}

// GetConversation fetches the sessions document by ID and verifies the
// caller owns it. A missing document and a foreign owner both come back
// as ErrConversationNotFound.
func (s *FirestoreStore) GetConversation(ctx context.Context, userID, conversationID string) (*model.Conversation, error) {
	url := fmt.Sprintf("%s/%s/%s", s.documentsPath(), collectionConversations, conversationID)
	body, err := s.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		var apiErr *FirestoreAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if doc.Fields["ownerId"].str() != userID {
		return nil, ErrConversationNotFound
	}
	return &model.Conversation{
		ID:        conversationID,
		UserID:    userID,
		Title:     doc.Fields["title"].str(),
		UpdatedAt: doc.Fields["updatedAt"].timestamp(),
	}, nil
}

// ListConversations runs an owner-filtered query over sessions ordered by
// updatedAt descending.
func (s *FirestoreStore) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	query := map[string]any{
		"structuredQuery": map[string]any{
			"from": []map[string]any{{"collectionId": collectionConversations}},
			"where": map[string]any{
				"fieldFilter": map[string]any{
					"field": map[string]string{"fieldPath": "ownerId"},
					"op":    "EQUAL",
					"value": stringVal(userID),
				},
			},
			"orderBy": []map[string]any{{
				"field":     map[string]string{"fieldPath": "updatedAt"},
				"direction": "DESCENDING",
			}},
		},
	}

	docs, err := s.runQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]model.Conversation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, model.Conversation{
			ID:        doc.documentID(),
			UserID:    doc.Fields["ownerId"].str(),
			Title:     doc.Fields["title"].str(),
			UpdatedAt: doc.Fields["updatedAt"].timestamp(),
		})
	}
	return out, nil
}

// LoadTurns queries chat_logs for one conversation in chronological order.
// The composite filter plus orderBy needs a composite index; when Firestore
// rejects the query for that reason the error carries the console link.
func (s *FirestoreStore) LoadTurns(ctx context.Context, userID, conversationID string) ([]model.Turn, error) {
	query := map[string]any{
		"structuredQuery": map[string]any{
			"from": []map[string]any{{"collectionId": collectionTurns}},
			"where": map[string]any{
				"compositeFilter": map[string]any{
					"op": "AND",
					"filters": []map[string]any{
						{"fieldFilter": map[string]any{
							"field": map[string]string{"fieldPath": "conversationId"},
							"op":    "EQUAL",
							"value": stringVal(conversationID),
						}},
						{"fieldFilter": map[string]any{
							"field": map[string]string{"fieldPath": "ownerId"},
							"op":    "EQUAL",
							"value": stringVal(userID),
						}},
					},
				},
			},
			"orderBy": []map[string]any{{
				"field":     map[string]string{"fieldPath": "timestamp"},
				"direction": "ASCENDING",
			}},
		},
	}

	docs, err := s.runQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}

	out := make([]model.Turn, 0, len(docs))
	for _, doc := range docs {
		out = append(out, model.Turn{
			ID:             doc.documentID(),
			ConversationID: doc.Fields["conversationId"].str(),
			UserID:         doc.Fields["ownerId"].str(),
			Role:           model.Role(doc.Fields["role"].str()),
			Content:        doc.Fields["content"].str(),
			CreatedAt:      doc.Fields["timestamp"].timestamp(),
		})
	}
	return out, nil
}

// DeleteConversation removes the sessions document first, then each of the
// conversation's turns. Only the owner's delete does anything; an absent
// or foreign conversation is a no-op. The steps are not transactional, so
// a failure midway can leave orphaned turns.
func (s *FirestoreStore) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.GetConversation(ctx, userID, conversationID); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			return nil
		}
		return fmt.Errorf("delete conversation: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s", s.documentsPath(), collectionConversations, conversationID)
	if _, err := s.do(ctx, http.MethodDelete, url, nil); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	turns, err := s.LoadTurns(ctx, userID, conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	for _, turn := range turns {
		url := fmt.Sprintf("%s/%s/%s", s.documentsPath(), collectionTurns, turn.ID)
		if _, err := s.do(ctx, http.MethodDelete, url, nil); err != nil {
			return fmt.Errorf("delete turn %s: %w", turn.ID, err)
		}
	}
	return nil
}

// Close is a no-op; the client holds no persistent connections.
func (s *FirestoreStore) Close() error {
	return nil
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

func (s *FirestoreStore) runQuery(ctx context.Context, query map[string]any) ([]document, error) {
	url := s.documentsPath() + ":runQuery"
	body, err := s.do(ctx, http.MethodPost, url, query)
	if err != nil {
		return nil, err
	}

	var results []queryResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("decode query results: %w", err)
	}

	docs := make([]document, 0, len(results))
	for _, r := range results {
		// An empty result set still yields one entry carrying only read metadata.
		if r.Document != nil {
			docs = append(docs, *r.Document)
		}
	}
	return docs, nil
}

func (s *FirestoreStore) do(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrFirestoreConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, s.handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// indexErrorMarker appears in FAILED_PRECONDITION responses when a query
// needs a composite index that has not been created yet.
const indexErrorMarker = "requires an index"

func (s *FirestoreStore) handleErrorResponse(statusCode int, body []byte) error {
	var parsed apiErrorBody
	message := strings.TrimSpace(string(body))
	status := http.StatusText(statusCode)
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
		if parsed.Error.Status != "" {
			status = parsed.Error.Status
		}
	}

	if strings.Contains(message, indexErrorMarker) {
		return &IndexError{
			Message: message,
			Link:    extractLink(message),
		}
	}

	return &FirestoreAPIError{
		StatusCode: statusCode,
		Status:     status,
		Message:    message,
	}
}

// extractLink pulls the first https URL out of an error message. Index
// errors embed a console link for creating the missing index.
func extractLink(message string) string {
	idx := strings.Index(message, "https://")
	if idx < 0 {
		return ""
	}
	rest := message[idx:]
	if end := strings.IndexAny(rest, " \t\n\""); end >= 0 {
		rest = rest[:end]
	}
	return rest
}
