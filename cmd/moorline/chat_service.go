// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// =============================================================================
// ChatService
// =============================================================================

// ChatService is the HTTP client for the orchestrator's chat surface.
type ChatService interface {
	// StreamTurn starts one chat turn and returns the raw SSE body.
	// The caller owns the ReadCloser and must close it.
	StreamTurn(ctx context.Context, workspace string, req datatypes.StreamChatRequest) (io.ReadCloser, error)

	// SubmitDecision answers a pending sensitive-data prompt. Returns
	// whether the decision reached a waiting turn.
	SubmitDecision(ctx context.Context, turnID string, decision datatypes.Decision) (bool, error)
}

type httpChatService struct {
	baseURL string
	apiKey  string

	// streamClient has no overall timeout: a turn legitimately holds its
	// connection open for minutes. Cancellation comes from the context.
	streamClient *http.Client

	// decisionClient is for short request/response calls.
	decisionClient *http.Client
}

// NewChatService creates the HTTP chat client for the given base URL.
// The API key is read from MOORLINE_API_KEY; empty means no auth header.
func NewChatService(baseURL string) ChatService {
	return &httpChatService{
		baseURL:        baseURL,
		apiKey:         os.Getenv("MOORLINE_API_KEY"),
		streamClient:   &http.Client{},
		decisionClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *httpChatService) StreamTurn(ctx context.Context, workspace string, chatReq datatypes.StreamChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/workspace/%s/stream-chat", s.baseURL, workspace)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	s.authorize(req)

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator unreachable: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return resp.Body, nil
}

func (s *httpChatService) SubmitDecision(ctx context.Context, turnID string, decision datatypes.Decision) (bool, error) {
	payload, err := json.Marshal(datatypes.DecisionRequest{
		TurnID:   turnID,
		Decision: decision,
	})
	if err != nil {
		return false, fmt.Errorf("encode decision: %w", err)
	}

	url := s.baseURL + "/v1/chat/decision"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.decisionClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("orchestrator unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("orchestrator returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var ack datatypes.DecisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return false, fmt.Errorf("decode decision response: %w", err)
	}
	return ack.Delivered, nil
}

func (s *httpChatService) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}
