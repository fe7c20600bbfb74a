// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

func TestStreamTurn_PostsToWorkspaceRoute(t *testing.T) {
	var gotPath, gotAccept string
	var gotBody datatypes.StreamChatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: finalizeResponseStream\ndata: {}\n\n")
	}))
	defer server.Close()

	service := NewChatService(server.URL)
	body, err := service.StreamTurn(context.Background(), "research", datatypes.StreamChatRequest{
		Message: "hello",
		Mode:    datatypes.ModeQuery,
	})
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, "/v1/workspace/research/stream-chat", gotPath)
	assert.Equal(t, "text/event-stream", gotAccept)
	assert.Equal(t, "hello", gotBody.Message)
	assert.Equal(t, datatypes.ModeQuery, gotBody.Mode)

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "finalizeResponseStream")
}

func TestStreamTurn_NonOKStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":"invalid request body"}`)
	}))
	defer server.Close()

	service := NewChatService(server.URL)
	_, err := service.StreamTurn(context.Background(), "default", datatypes.StreamChatRequest{Message: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "invalid request body")
}

func TestStreamTurn_SendsBearerTokenWhenConfigured(t *testing.T) {
	t.Setenv("MOORLINE_API_KEY", "sekrit")

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, "\n")
	}))
	defer server.Close()

	service := NewChatService(server.URL)
	body, err := service.StreamTurn(context.Background(), "default", datatypes.StreamChatRequest{Message: "x"})
	require.NoError(t, err)
	body.Close()

	assert.Equal(t, "Bearer sekrit", gotAuth)
}

func TestSubmitDecision_ParsesAck(t *testing.T) {
	var gotReq datatypes.DecisionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/decision", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(datatypes.DecisionResponse{Delivered: true, TurnID: gotReq.TurnID})
	}))
	defer server.Close()

	service := NewChatService(server.URL)
	delivered, err := service.SubmitDecision(context.Background(), testTurnID, datatypes.DecisionContinue)
	require.NoError(t, err)

	assert.True(t, delivered)
	assert.Equal(t, testTurnID, gotReq.TurnID)
	assert.Equal(t, datatypes.DecisionContinue, gotReq.Decision)
}

func TestSubmitDecision_ServerErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	service := NewChatService(server.URL)
	_, err := service.SubmitDecision(context.Background(), testTurnID, datatypes.DecisionAbort)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}
