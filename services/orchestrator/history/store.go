// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history persists and loads chat turns in Weaviate.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// ChatStore reads and writes WorkspaceChat objects.
type ChatStore struct {
	client *weaviate.Client
	tracer trace.Tracer
}

// NewChatStore creates a ChatStore. The client must not be nil.
func NewChatStore(client *weaviate.Client) *ChatStore {
	if client == nil {
		panic("history.NewChatStore: client must not be nil")
	}
	return &ChatStore{
		client: client,
		tracer: otel.Tracer("moorline.orchestrator.history"),
	}
}

// Save persists one completed turn and returns the Weaviate object id.
func (s *ChatStore) Save(ctx context.Context, props datatypes.WorkspaceChatProperties) (strfmt.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "ChatStore.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace", props.Workspace),
		attribute.String("thread_id", props.ThreadID),
	)

	result, err := s.client.Data().Creator().
		WithClassName(datatypes.ClassWorkspaceChat).
		WithProperties(props.ToMap()).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to persist chat turn: %w", err)
	}
	if result == nil || result.Object == nil {
		return "", fmt.Errorf("chat turn persisted but no object returned")
	}

	id := result.Object.ID
	span.SetAttributes(attribute.String("object.id", id.String()))
	slog.Debug("chat turn persisted", "workspace", props.Workspace, "id", id)
	return id, nil
}

// LoadHistory returns the most recent turns for a workspace thread in
// chronological order, up to limit. Source citations are decoded from the
// persisted JSON; a turn with corrupt citations is returned without them
// rather than dropped.
func (s *ChatStore) LoadHistory(ctx context.Context, workspace, threadID string, limit int) ([]datatypes.HistoryEntry, error) {
	ctx, span := s.tracer.Start(ctx, "ChatStore.LoadHistory")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace", workspace),
		attribute.String("thread_id", threadID),
		attribute.Int("limit", limit),
	)

	if limit <= 0 {
		limit = datatypes.MaxHistoryMessages
	}

	where := filters.Where().
		WithPath([]string{"workspace"}).
		WithOperator(filters.Equal).
		WithValueString(workspace)
	if threadID != "" {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				where,
				filters.Where().
					WithPath([]string{"thread_id"}).
					WithOperator(filters.Equal).
					WithValueString(threadID),
			})
	}

	fields := []graphql.Field{
		{Name: "prompt"},
		{Name: "response"},
		{Name: "sources_json"},
		{Name: "created_at"},
	}
	sort := graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}

	resp, err := s.client.GraphQL().Get().
		WithClassName(datatypes.ClassWorkspaceChat).
		WithWhere(where).
		WithFields(fields...).
		WithSort(sort).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceChatQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse chat history response: %w", err)
	}

	turns := parsed.Get.WorkspaceChat
	span.SetAttributes(attribute.Int("turns", len(turns)))
	return entriesFromResults(turns), nil
}

// ResetHistory deletes every persisted turn for a workspace thread. An empty
// threadID wipes the whole workspace. Returns the number of objects matched
// by the delete.
func (s *ChatStore) ResetHistory(ctx context.Context, workspace, threadID string) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ChatStore.ResetHistory")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace", workspace),
		attribute.String("thread_id", threadID),
	)

	where := filters.Where().
		WithPath([]string{"workspace"}).
		WithOperator(filters.Equal).
		WithValueString(workspace)
	if threadID != "" {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				where,
				filters.Where().
					WithPath([]string{"thread_id"}).
					WithOperator(filters.Equal).
					WithValueString(threadID),
			})
	}

	resp, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(datatypes.ClassWorkspaceChat).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to reset chat history: %w", err)
	}

	var matched int64
	if resp != nil && resp.Results != nil {
		matched = resp.Results.Matches
	}
	span.SetAttributes(attribute.Int64("matched", matched))
	slog.Info("chat history reset", "workspace", workspace, "thread_id", threadID, "matched", matched)
	return matched, nil
}

// entriesFromResults converts newest-first query results into chronological
// history entries, decoding persisted source citations.
func entriesFromResults(turns []datatypes.WorkspaceChatResult) []datatypes.HistoryEntry {
	entries := make([]datatypes.HistoryEntry, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		entry := datatypes.HistoryEntry{
			Prompt:    turn.Prompt,
			Response:  turn.Response,
			CreatedAt: turn.CreatedAt,
		}
		if turn.SourcesJSON != "" {
			if err := json.Unmarshal([]byte(turn.SourcesJSON), &entry.Sources); err != nil {
				slog.Warn("failed to decode persisted sources, dropping citations", "error", err)
				entry.Sources = nil
			}
		}
		entries = append(entries, entry)
	}
	return entries
}
