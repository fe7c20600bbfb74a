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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorline/moorline/pkg/transcript"
	"github.com/moorline/moorline/pkg/ux"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

func init() {
	// Keep spinners and styling out of test output.
	ux.SetPersonalityLevel(ux.PersonalityMachine)
}

// =============================================================================
// Test Doubles
// =============================================================================

type scriptedInput struct {
	lines []string
	pos   int
}

func (s *scriptedInput) ReadLine() (string, error) {
	if s.pos >= len(s.lines) {
		return "", io.EOF
	}
	line := s.lines[s.pos]
	s.pos++
	return line, nil
}

type fakeChatService struct {
	stream string

	streamCalls    int
	lastWorkspace  string
	lastRequest    datatypes.StreamChatRequest
	decisionTurnID string
	decision       datatypes.Decision
	decisionCalls  int
	delivered      bool
}

func (f *fakeChatService) StreamTurn(_ context.Context, workspace string, req datatypes.StreamChatRequest) (io.ReadCloser, error) {
	f.streamCalls++
	f.lastWorkspace = workspace
	f.lastRequest = req
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

func (f *fakeChatService) SubmitDecision(_ context.Context, turnID string, decision datatypes.Decision) (bool, error) {
	f.decisionCalls++
	f.decisionTurnID = turnID
	f.decision = decision
	return f.delivered, nil
}

type fixedPrompter struct {
	decision datatypes.Decision
	calls    int
	preview  string
}

func (p *fixedPrompter) PromptDecision(redactedPreview string) (datatypes.Decision, error) {
	p.calls++
	p.preview = redactedPreview
	return p.decision, nil
}

// =============================================================================
// Helpers
// =============================================================================

// encodeStream stamps the envelope the way the server-side stream writer
// does and frames the events as SSE.
func encodeStream(t *testing.T, events []datatypes.ChatEvent) string {
	t.Helper()

	var buf bytes.Buffer
	prevHash := ""
	for i := range events {
		events[i].EventID = fmt.Sprintf("event-%d", i)
		events[i].CreatedAt = int64(1000 + i)
		events[i].PrevHash = prevHash
		events[i].Hash = datatypes.ComputeEventHash(events[i])
		prevHash = events[i].Hash

		payload, err := json.Marshal(events[i])
		require.NoError(t, err)
		fmt.Fprintf(&buf, "event: %s\ndata: %s\n\n", events[i].Type, payload)
	}
	return buf.String()
}

func newTestRunner(service ChatService, input InputReader, prompter DecisionPrompter) *streamChatRunner {
	return &streamChatRunner{
		service:   service,
		ui:        ux.NewChatUIWithWriter(&bytes.Buffer{}),
		input:     input,
		prompter:  prompter,
		processor: ux.NewStreamProcessor(),
		verifier:  ux.NewChainVerifier(),
		workspace: "default",
		mode:      datatypes.ModeChat,
	}
}

const testTurnID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

func answerStream(t *testing.T) string {
	t.Helper()
	return encodeStream(t, []datatypes.ChatEvent{
		{TurnID: testTurnID, Type: datatypes.EventTextChunk, TextResponse: "Hello ", Sources: []datatypes.SourceInfo{}},
		{TurnID: testTurnID, Type: datatypes.EventTextChunk, TextResponse: "world.", Sources: []datatypes.SourceInfo{}, Close: true},
		{TurnID: testTurnID, Type: datatypes.EventFinalize, Sources: []datatypes.SourceInfo{}, Close: true, ChatID: "rec-42"},
	})
}

// =============================================================================
// RunOnce
// =============================================================================

func TestRunOnce_StreamsAnswerIntoTranscript(t *testing.T) {
	service := &fakeChatService{stream: answerStream(t)}
	runner := newTestRunner(service, &scriptedInput{}, &fixedPrompter{})

	err := runner.RunOnce(context.Background(), "what is moorline?")
	require.NoError(t, err)

	assert.Equal(t, 1, service.streamCalls)
	assert.Equal(t, "default", service.lastWorkspace)
	assert.Equal(t, "what is moorline?", service.lastRequest.Message)
	assert.Equal(t, datatypes.ModeChat, service.lastRequest.Mode)

	require.Len(t, runner.entries, 2)
	answer := runner.entries[1]
	assert.Equal(t, "assistant", answer.Role)
	assert.Equal(t, "Hello world.", answer.Content)
	assert.True(t, answer.Closed)
	assert.Equal(t, "rec-42", answer.PersistedID)
}

func TestRunOnce_EmptyMessageRejected(t *testing.T) {
	service := &fakeChatService{}
	runner := newTestRunner(service, &scriptedInput{}, &fixedPrompter{})

	err := runner.RunOnce(context.Background(), "   ")
	require.Error(t, err)
	assert.Equal(t, 0, service.streamCalls)
}

func TestRunOnce_AbortEventClosesTurnWithError(t *testing.T) {
	stream := encodeStream(t, []datatypes.ChatEvent{
		{TurnID: testTurnID, Type: datatypes.EventAbort, Sources: []datatypes.SourceInfo{}, Close: true, Error: "moderation policy violation"},
	})
	service := &fakeChatService{stream: stream}
	runner := newTestRunner(service, &scriptedInput{}, &fixedPrompter{})

	err := runner.RunOnce(context.Background(), "bad message")
	require.NoError(t, err)

	require.Len(t, runner.entries, 2)
	assert.True(t, runner.entries[1].Closed)
	assert.Equal(t, "moderation policy violation", runner.entries[1].Error)
	assert.Equal(t, 0, service.decisionCalls)
}

// =============================================================================
// Sensitive-Data Decision
// =============================================================================

func TestRunOnce_SensitivePromptPostsDecision(t *testing.T) {
	stream := encodeStream(t, []datatypes.ChatEvent{
		{TurnID: testTurnID, Type: datatypes.EventSensitiveData, Sources: []datatypes.SourceInfo{}, RedactedMessage: "my ssn is [REDACTED]"},
		{TurnID: testTurnID, Type: datatypes.EventTextChunk, TextResponse: "Understood.", Sources: []datatypes.SourceInfo{}, Close: true},
	})
	service := &fakeChatService{stream: stream, delivered: true}
	prompter := &fixedPrompter{decision: datatypes.DecisionContinue}
	runner := newTestRunner(service, &scriptedInput{}, prompter)

	err := runner.RunOnce(context.Background(), "my ssn is 123-45-6789")
	require.NoError(t, err)

	assert.Equal(t, 1, prompter.calls)
	assert.Equal(t, "my ssn is [REDACTED]", prompter.preview)
	assert.Equal(t, 1, service.decisionCalls)
	assert.Equal(t, testTurnID, service.decisionTurnID)
	assert.Equal(t, datatypes.DecisionContinue, service.decision)
}

func TestRunOnce_LateDecisionIsNotAnError(t *testing.T) {
	// delivered=false models the server timing the prompt out before the
	// answer arrived. The stream still carries a terminal abort.
	stream := encodeStream(t, []datatypes.ChatEvent{
		{TurnID: testTurnID, Type: datatypes.EventSensitiveData, Sources: []datatypes.SourceInfo{}, RedactedMessage: "[REDACTED]"},
		{TurnID: testTurnID, Type: datatypes.EventAbort, Sources: []datatypes.SourceInfo{}, Close: true, Error: "decision window elapsed"},
	})
	service := &fakeChatService{stream: stream, delivered: false}
	runner := newTestRunner(service, &scriptedInput{}, &fixedPrompter{decision: datatypes.DecisionAbort})

	err := runner.RunOnce(context.Background(), "secret stuff")
	require.NoError(t, err)
	assert.Equal(t, 1, service.decisionCalls)
}

func TestTerminalDecisionPrompter_NonInteractiveAborts(t *testing.T) {
	// Machine personality is set in init, so the prompter must answer
	// without blocking on a terminal.
	decision, err := terminalDecisionPrompter{}.PromptDecision("[REDACTED]")
	require.NoError(t, err)
	assert.Equal(t, datatypes.DecisionAbort, decision)
}

// =============================================================================
// Interactive Loop
// =============================================================================

func TestRun_ExitWithoutSending(t *testing.T) {
	service := &fakeChatService{}
	runner := newTestRunner(service, &scriptedInput{lines: []string{"exit"}}, &fixedPrompter{})

	err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, service.streamCalls)
}

func TestRun_EOFEndsSession(t *testing.T) {
	service := &fakeChatService{}
	runner := newTestRunner(service, &scriptedInput{}, &fixedPrompter{})

	err := runner.Run(context.Background())
	require.NoError(t, err)
}

func TestRun_SendsMessageThenQuits(t *testing.T) {
	service := &fakeChatService{stream: answerStream(t)}
	runner := newTestRunner(service, &scriptedInput{lines: []string{"", "hello there", "quit"}}, &fixedPrompter{})

	err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, service.streamCalls)
	assert.Equal(t, "hello there", service.lastRequest.Message)
}

func TestRun_CancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	service := &fakeChatService{}
	runner := newTestRunner(service, &scriptedInput{lines: []string{"hello"}}, &fixedPrompter{})

	err := runner.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, service.streamCalls)
}

// Guard against the transcript fold and the renderer drifting apart on the
// terminating chunk.
func TestRunOnce_SourcesSurviveFold(t *testing.T) {
	sources := []datatypes.SourceInfo{{Source: "handbook.pdf", Score: 0.92}}
	stream := encodeStream(t, []datatypes.ChatEvent{
		{TurnID: testTurnID, Type: datatypes.EventTextChunk, TextResponse: "See the handbook.", Sources: sources, Close: true},
	})
	service := &fakeChatService{stream: stream}
	runner := newTestRunner(service, &scriptedInput{}, &fixedPrompter{})

	require.NoError(t, runner.RunOnce(context.Background(), "where is the policy?"))

	var answer *transcript.Entry
	for i := range runner.entries {
		if runner.entries[i].Role == "assistant" {
			answer = &runner.entries[i]
		}
	}
	require.NotNil(t, answer)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "handbook.pdf", answer.Sources[0].Source)
}
