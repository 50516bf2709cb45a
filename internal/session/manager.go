// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks authenticated browser sessions by opaque token.
//
// The identity provider owns credentials; this package only maps a random
// token handed to the client onto the signed-in user and their currently
// open conversation. Sessions expire after an idle timeout and are swept
// in the background.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/thomasng/taims/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound indicates an unknown or already-terminated session token.
	ErrNotFound = errors.New("session not found")

	// ErrExpired indicates the session idled past its timeout.
	ErrExpired = errors.New("session expired")
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one signed-in browser tab.
type Session struct {
	Token string
	User  model.User

	// ConversationID is the conversation the client is currently viewing,
	// empty until the first message or selection.
	ConversationID string

	createdAt    time.Time
	lastActivity time.Time
}

// =============================================================================
// MANAGER
// =============================================================================

const (
	// DefaultTimeout is how long a session may idle before it is terminated.
	DefaultTimeout = 30 * time.Minute

	sweepInterval = time.Minute
	tokenBytes    = 32
)

// Manager is a concurrency-safe registry of active sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration

	done chan struct{}
	once sync.Once
}

// NewManager creates a manager with the given idle timeout. A zero or
// negative timeout falls back to DefaultTimeout.
func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		done:     make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Create registers a new session for the user and returns it. The token is
// the caller's handle for every later lookup.
func (m *Manager) Create(user model.User) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		Token:        token,
		User:         user,
		createdAt:    now,
		lastActivity: now,
	}

	m.mu.Lock()
	m.sessions[token] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get resolves a token to its session and refreshes the activity clock.
// Expired sessions are removed on lookup.
func (m *Manager) Get(token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Since(sess.lastActivity) >= m.timeout {
		delete(m.sessions, token)
		return nil, ErrExpired
	}
	sess.lastActivity = time.Now()

	copied := *sess
	return &copied, nil
}

// SetConversation records which conversation the session is viewing.
func (m *Manager) SetConversation(token, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[token]
	if !ok {
		return ErrNotFound
	}
	sess.ConversationID = conversationID
	sess.lastActivity = time.Now()
	return nil
}

// Delete terminates the session. Unknown tokens are a no-op.
func (m *Manager) Delete(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the background sweeper.
func (m *Manager) Close() {
	m.once.Do(func() { close(m.done) })
}

// sweep periodically drops sessions that idled past the timeout so that
// abandoned tabs do not accumulate.
func (m *Manager) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			for token, sess := range m.sessions {
				if time.Since(sess.lastActivity) >= m.timeout {
					delete(m.sessions, token)
				}
			}
			m.mu.Unlock()
		}
	}
}

// generateToken returns a 64-character hex token from crypto/rand.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
