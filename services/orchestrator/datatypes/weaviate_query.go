// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName(ClassWorkspaceChat).Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[WorkspaceChatQueryResponse](resp)
//	if err != nil { ... }
//
//	for _, turn := range parsed.Get.WorkspaceChat {
//	    fmt.Println(turn.Prompt)
//	}
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// Common Weaviate Response Types
// =============================================================================

// WorkspaceDocumentQueryResponse represents the response from querying the
// WorkspaceDocument class.
type WorkspaceDocumentQueryResponse struct {
	Get struct {
		WorkspaceDocument []WorkspaceDocumentResult `json:"WorkspaceDocument"`
	} `json:"Get"`
}

// WorkspaceDocumentResult represents a single document from a query.
type WorkspaceDocumentResult struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Workspace  string `json:"workspace"`
	Pinned     *bool  `json:"pinned"`
	IngestedAt int64  `json:"ingested_at"`
	Additional struct {
		ID        string   `json:"id"`
		Distance  *float32 `json:"distance"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// WorkspaceChatQueryResponse represents the response from querying the
// WorkspaceChat class.
type WorkspaceChatQueryResponse struct {
	Get struct {
		WorkspaceChat []WorkspaceChatResult `json:"WorkspaceChat"`
	} `json:"Get"`
}

// WorkspaceChatResult represents a single persisted turn from a query.
type WorkspaceChatResult struct {
	Prompt      string `json:"prompt"`
	Response    string `json:"response"`
	SourcesJSON string `json:"sources_json"`
	Workspace   string `json:"workspace"`
	ThreadID    string `json:"thread_id"`
	UserID      string `json:"user_id"`
	Mode        string `json:"mode"`
	CreatedAt   int64  `json:"created_at"`
	Additional  struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// WorkspaceDocumentAggregateResponse represents a meta-count aggregate over
// the WorkspaceDocument class.
type WorkspaceDocumentAggregateResponse struct {
	Aggregate struct {
		WorkspaceDocument []struct {
			Meta struct {
				Count int64 `json:"count"`
			} `json:"meta"`
		} `json:"WorkspaceDocument"`
	} `json:"Aggregate"`
}

// =============================================================================
// Property Structs
// =============================================================================

// WorkspaceDocumentProperties represents the properties for creating a
// WorkspaceDocument object.
type WorkspaceDocumentProperties struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	Workspace  string `json:"workspace"`
	Pinned     bool   `json:"pinned"`
	IngestedAt int64  `json:"ingested_at"`
}

// ToMap converts WorkspaceDocumentProperties to the map format required by
// Weaviate's WithProperties() method.
func (p *WorkspaceDocumentProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"content":     p.Content,
		"source":      p.Source,
		"workspace":   p.Workspace,
		"pinned":      p.Pinned,
		"ingested_at": p.IngestedAt,
	}
}

// WorkspaceChatProperties represents the properties for persisting one turn.
type WorkspaceChatProperties struct {
	Prompt      string `json:"prompt"`
	Response    string `json:"response"`
	SourcesJSON string `json:"sources_json"`
	Workspace   string `json:"workspace"`
	ThreadID    string `json:"thread_id"`
	UserID      string `json:"user_id"`
	Mode        string `json:"mode"`
	CreatedAt   int64  `json:"created_at"`
}

// ToMap converts WorkspaceChatProperties to the map format required by
// Weaviate's WithProperties() method.
func (p *WorkspaceChatProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"prompt":       p.Prompt,
		"response":     p.Response,
		"sources_json": p.SourcesJSON,
		"workspace":    p.Workspace,
		"thread_id":    p.ThreadID,
		"user_id":      p.UserID,
		"mode":         p.Mode,
		"created_at":   p.CreatedAt,
	}
}
