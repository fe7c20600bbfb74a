// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Weaviate class names used by the orchestrator.
const (
	// ClassWorkspaceDocument holds embedded document chunks, segmented by
	// workspace slug.
	ClassWorkspaceDocument = "WorkspaceDocument"

	// ClassWorkspaceChat holds finalized chat turns.
	ClassWorkspaceChat = "WorkspaceChat"
)

func GetWorkspaceDocumentSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClassWorkspaceDocument,
		Description: "An embedded document chunk scoped to a workspace.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk's text content.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "The original file path or title of the document.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "workspace",
				DataType:        []string{"text"},
				Description:     "Workspace slug this chunk belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "pinned",
				DataType:        []string{"boolean"},
				Description:     "True if the parent document is pinned into every prompt.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the chunk was ingested.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetWorkspaceChatSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ClassWorkspaceChat,
		Description: "One finalized chat turn: user prompt, assistant response, and attribution.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "prompt",
				DataType:     []string{"text"},
				Description:  "The user's message as sent to the pipeline.",
				Tokenization: "word",
			},
			{
				Name:         "response",
				DataType:     []string{"text"},
				Description:  "The assistant's complete answer text.",
				Tokenization: "word",
			},
			{
				Name:            "sources_json",
				DataType:        []string{"text"},
				Description:     "JSON-encoded source attribution list.",
				Tokenization:    "field",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "workspace",
				DataType:        []string{"text"},
				Description:     "Workspace slug this turn belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "thread_id",
				DataType:        []string{"text"},
				Description:     "Conversation thread identifier, empty for the default thread.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "user_id",
				DataType:        []string{"text"},
				Description:     "Identity of the user who sent the prompt.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "mode",
				DataType:        []string{"text"},
				Description:     "Chat mode for this turn: 'chat' or 'query'.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the turn was finalized.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetWorkspaceDocumentSchema,
		GetWorkspaceChatSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// The client returns an error when the class does not exist yet.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
