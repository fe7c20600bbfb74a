// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval queries the workspace vector index. A workspace maps
// to a Weaviate namespace: documents carry a workspace property and all
// queries filter on it.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

const (
	// DefaultTopN is the number of chunks retrieved per similarity search.
	DefaultTopN = 4

	// DefaultCertainty is the minimum match certainty for retrieved chunks.
	DefaultCertainty = float32(0.6)

	// maxExcerptChars bounds the excerpt carried in a source citation.
	maxExcerptChars = 1000

	// continuedSuffix marks a truncated excerpt.
	continuedSuffix = "...continued on in source document..."
)

// Index reads workspace documents from Weaviate.
type Index struct {
	client *weaviate.Client
	tracer trace.Tracer
}

// NewIndex creates an Index. The client must not be nil.
func NewIndex(client *weaviate.Client) *Index {
	if client == nil {
		panic("retrieval.NewIndex: client must not be nil")
	}
	return &Index{
		client: client,
		tracer: otel.Tracer("moorline.orchestrator.retrieval"),
	}
}

func workspaceFilter(workspace string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"workspace"}).
		WithOperator(filters.Equal).
		WithValueString(workspace)
}

// NamespaceCount returns the number of documents embedded in the workspace.
func (i *Index) NamespaceCount(ctx context.Context, workspace string) (int64, error) {
	ctx, span := i.tracer.Start(ctx, "Index.NamespaceCount")
	defer span.End()
	span.SetAttributes(attribute.String("workspace", workspace))

	resp, err := i.client.GraphQL().Aggregate().
		WithClassName(datatypes.ClassWorkspaceDocument).
		WithWhere(workspaceFilter(workspace)).
		WithFields(graphql.Field{
			Name:   "meta",
			Fields: []graphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to aggregate workspace documents: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceDocumentAggregateResponse](resp)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to parse aggregate response: %w", err)
	}
	if len(parsed.Aggregate.WorkspaceDocument) == 0 {
		return 0, nil
	}

	count := parsed.Aggregate.WorkspaceDocument[0].Meta.Count
	span.SetAttributes(attribute.Int64("workspace.document_count", count))
	return count, nil
}

// HasNamespace reports whether the workspace has any embedded documents.
func (i *Index) HasNamespace(ctx context.Context, workspace string) (bool, error) {
	count, err := i.NamespaceCount(ctx, workspace)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SimilaritySearch retrieves the chunks most similar to the query text.
// Returns the chunk contents for prompt assembly and the source citations
// for the client, in matching order.
func (i *Index) SimilaritySearch(ctx context.Context, workspace, query string, topN int, certainty float32) ([]string, []datatypes.SourceInfo, error) {
	ctx, span := i.tracer.Start(ctx, "Index.SimilaritySearch")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace", workspace),
		attribute.Int("top_n", topN),
	)

	if topN <= 0 {
		topN = DefaultTopN
	}
	if certainty <= 0 {
		certainty = DefaultCertainty
	}

	nearText := i.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query}).
		WithCertainty(certainty)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
		}},
	}

	resp, err := i.client.GraphQL().Get().
		WithClassName(datatypes.ClassWorkspaceDocument).
		WithWhere(workspaceFilter(workspace)).
		WithNearText(nearText).
		WithFields(fields...).
		WithLimit(topN).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("failed similarity search: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceDocumentQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to parse similarity search response: %w", err)
	}

	docs := parsed.Get.WorkspaceDocument
	span.SetAttributes(attribute.Int("results", len(docs)))

	contexts, sources := similarityResults(docs)

	slog.Debug("similarity search complete",
		"workspace", workspace,
		"results", len(docs),
	)
	return contexts, sources, nil
}

// similarityResults maps retrieved documents to context texts and source
// citations. The match certainty becomes the citation score; documents
// without one score zero.
func similarityResults(docs []datatypes.WorkspaceDocumentResult) ([]string, []datatypes.SourceInfo) {
	contexts := make([]string, 0, len(docs))
	sources := make([]datatypes.SourceInfo, 0, len(docs))
	for _, doc := range docs {
		score := float32(0)
		if doc.Additional.Certainty != nil {
			score = *doc.Additional.Certainty
		}
		contexts = append(contexts, doc.Content)
		sources = append(sources, datatypes.SourceInfo{
			Source:  doc.Source,
			Score:   float64(score),
			Excerpt: truncateExcerpt(doc.Content),
		})
	}
	return contexts, sources
}

// PinnedDocuments returns the full content of every pinned document in the
// workspace. Pinned content bypasses the similarity gate and always rides
// along in the prompt.
func (i *Index) PinnedDocuments(ctx context.Context, workspace string) ([]string, []datatypes.SourceInfo, error) {
	ctx, span := i.tracer.Start(ctx, "Index.PinnedDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("workspace", workspace))

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			workspaceFilter(workspace),
			filters.Where().
				WithPath([]string{"pinned"}).
				WithOperator(filters.Equal).
				WithValueBoolean(true),
		})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
	}

	resp, err := i.client.GraphQL().Get().
		WithClassName(datatypes.ClassWorkspaceDocument).
		WithWhere(where).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, fmt.Errorf("failed to query pinned documents: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceDocumentQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("failed to parse pinned documents response: %w", err)
	}

	docs := parsed.Get.WorkspaceDocument
	span.SetAttributes(attribute.Int("pinned_count", len(docs)))

	contexts := make([]string, 0, len(docs))
	sources := make([]datatypes.SourceInfo, 0, len(docs))
	for _, doc := range docs {
		contexts = append(contexts, doc.Content)
		sources = append(sources, datatypes.SourceInfo{
			Source:  doc.Source,
			Score:   1.0,
			Excerpt: truncateExcerpt(doc.Content),
		})
	}
	return contexts, sources, nil
}

// truncateExcerpt caps an excerpt at maxExcerptChars, marking the cut. The
// cut lands on a rune boundary so the excerpt stays valid UTF-8.
func truncateExcerpt(content string) string {
	if len(content) <= maxExcerptChars {
		return content
	}
	cut := maxExcerptChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + continuedSuffix
}
