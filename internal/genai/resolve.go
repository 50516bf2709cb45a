// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package genai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
)

// =============================================================================
// MODEL LISTING
// =============================================================================

// ModelInfo describes one model reported by the provider.
type ModelInfo struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

// SupportsGeneration reports whether the model can serve generateContent.
func (m ModelInfo) SupportsGeneration() bool {
	for _, method := range m.SupportedGenerationMethods {
		if method == "generateContent" {
			return true
		}
	}
	return false
}

// listModelsResponse is the wire shape of the model listing call.
type listModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ListModels retrieves all models the provider offers.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	url := c.config.BaseURL + "/models?key=" + c.config.APIKey
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &ClientError{Type: ErrTypeConnection, Message: "model listing failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to read response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var result listModelsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to parse model listing", Cause: err}
	}
	return result.Models, nil
}

// =============================================================================
// MODEL RESOLUTION
// =============================================================================

// ResolveModel picks the model used for all generation calls and caches it
// for the life of the process. Preference order over models supporting
// generation: a "flash" variant, then the most recent "pro" variant, then
// the first available, then FallbackModel when listing fails or is empty.
//
// A configured model name short-circuits negotiation entirely.
func (c *Client) ResolveModel(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved != "" {
		return c.resolved, nil
	}
	if c.config.Model != "" {
		c.resolved = c.config.Model
		return c.resolved, nil
	}

	models, err := c.listLocked(ctx)
	if err != nil {
		// Listing failure degrades to the fallback rather than refusing
		// to start; generation calls will surface any real problem.
		c.resolved = FallbackModel
		return c.resolved, nil
	}

	name, err := pickModel(models)
	if err != nil {
		return "", err
	}
	c.resolved = name
	return c.resolved, nil
}

// listLocked calls ListModels without re-acquiring the mutex.
func (c *Client) listLocked(ctx context.Context) ([]ModelInfo, error) {
	// ListModels does not touch c.resolved, so calling it under the lock
	// is safe; it only shares the immutable config and http client.
	return c.ListModels(ctx)
}

// pickModel applies the preference order to a model listing.
func pickModel(models []ModelInfo) (string, error) {
	var usable []string
	for _, m := range models {
		if m.SupportsGeneration() {
			usable = append(usable, m.Name)
		}
	}
	if len(usable) == 0 {
		return "", ErrNoModels
	}

	for _, name := range usable {
		if strings.Contains(name, "flash") {
			return name, nil
		}
	}

	var pro []string
	for _, name := range usable {
		if strings.Contains(name, "pro") {
			pro = append(pro, name)
		}
	}
	if len(pro) > 0 {
		// Version numbers sort lexically within the provider's naming
		// scheme, so the greatest name is the most recent variant.
		sort.Sort(sort.Reverse(sort.StringSlice(pro)))
		return pro[0], nil
	}

	return usable[0], nil
}
