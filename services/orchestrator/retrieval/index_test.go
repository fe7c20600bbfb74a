// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

func TestTruncateExcerpt_ShortContentUnchanged(t *testing.T) {
	content := "a short chunk of text"
	assert.Equal(t, content, truncateExcerpt(content))
}

func TestTruncateExcerpt_ExactLimitUnchanged(t *testing.T) {
	content := strings.Repeat("x", maxExcerptChars)
	assert.Equal(t, content, truncateExcerpt(content))
}

func TestTruncateExcerpt_LongContentMarked(t *testing.T) {
	content := strings.Repeat("x", maxExcerptChars+500)
	got := truncateExcerpt(content)

	assert.Len(t, got, maxExcerptChars+len(continuedSuffix))
	assert.True(t, strings.HasSuffix(got, continuedSuffix))
}

func TestTruncateExcerpt_NeverSplitsRune(t *testing.T) {
	// Place a multi-byte rune straddling the byte limit so a naive byte
	// slice would cut through it.
	content := strings.Repeat("x", maxExcerptChars-1) + strings.Repeat("é", 300)
	got := truncateExcerpt(content)

	assert.True(t, utf8.ValidString(got), "excerpt must stay valid UTF-8")
	assert.True(t, strings.HasSuffix(got, continuedSuffix))
	assert.LessOrEqual(t, len(got), maxExcerptChars+len(continuedSuffix))
}

func TestSimilarityResults_CertaintyBecomesScore(t *testing.T) {
	certainty := float32(0.87)
	docs := []datatypes.WorkspaceDocumentResult{
		{Content: "chunk one", Source: "a.txt"},
		{Content: "chunk two", Source: "b.txt"},
	}
	docs[1].Additional.Certainty = &certainty

	contexts, sources := similarityResults(docs)

	require.Len(t, contexts, 2)
	require.Len(t, sources, 2)
	assert.Equal(t, []string{"chunk one", "chunk two"}, contexts)
	assert.Equal(t, "a.txt", sources[0].Source)
	assert.Equal(t, 0.0, sources[0].Score, "missing certainty scores zero")
	assert.InDelta(t, 0.87, sources[1].Score, 1e-6)
	assert.Equal(t, "chunk two", sources[1].Excerpt)
}

func TestParseAggregateResponse(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Aggregate": map[string]interface{}{
				"WorkspaceDocument": []interface{}{
					map[string]interface{}{
						"meta": map[string]interface{}{"count": 42},
					},
				},
			},
		},
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceDocumentAggregateResponse](resp)
	require.NoError(t, err)
	require.Len(t, parsed.Aggregate.WorkspaceDocument, 1)
	assert.Equal(t, int64(42), parsed.Aggregate.WorkspaceDocument[0].Meta.Count)
}

func TestParseAggregateResponse_EmptyClass(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Aggregate": map[string]interface{}{
				"WorkspaceDocument": []interface{}{},
			},
		},
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceDocumentAggregateResponse](resp)
	require.NoError(t, err)
	assert.Empty(t, parsed.Aggregate.WorkspaceDocument)
}

func TestParseDocumentResponse(t *testing.T) {
	certainty := 0.87
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"WorkspaceDocument": []interface{}{
					map[string]interface{}{
						"content": "OAuth is an authorization framework.",
						"source":  "oauth.md",
						"_additional": map[string]interface{}{
							"id":        "doc-1",
							"certainty": certainty,
						},
					},
				},
			},
		},
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceDocumentQueryResponse](resp)
	require.NoError(t, err)
	require.Len(t, parsed.Get.WorkspaceDocument, 1)

	doc := parsed.Get.WorkspaceDocument[0]
	assert.Equal(t, "oauth.md", doc.Source)
	require.NotNil(t, doc.Additional.Certainty)
	assert.InDelta(t, certainty, float64(*doc.Additional.Certainty), 0.001)
}

func TestParseGraphQLResponse_NilResponse(t *testing.T) {
	_, err := datatypes.ParseGraphQLResponse[datatypes.WorkspaceDocumentQueryResponse](nil)
	assert.Error(t, err)
}
