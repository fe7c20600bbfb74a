// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package main contains the Moorline CLI chat runner.
//
// This file defines the ChatRunner interface for abstracting the chat loop,
// plus the streaming implementation backed by the orchestrator's SSE surface.
//
// Architecture:
//
//	cmd_chat.go → ChatRunner Interface → streamChatRunner
//	                                     ↓
//	                                     ChatService (from chat_service.go)
//	                                     InputReader (stdin abstraction)
//	                                     ChatUI (from pkg/ux)
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"

	"github.com/moorline/moorline/pkg/transcript"
	"github.com/moorline/moorline/pkg/ux"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// =============================================================================
// ChatRunner Interface
// =============================================================================

// ChatRunner runs chat turns against the orchestrator.
//
// # Description
//
// ChatRunner abstracts the chat loop so the interactive `chat` command and
// the one-shot `ask` command share the same streaming, rendering, and
// decision-prompt machinery.
//
// Run blocks until the user exits ("exit"/"quit"), the context is
// cancelled, or an unrecoverable error occurs. Normal exit returns nil;
// cancellation returns context.Canceled.
type ChatRunner interface {
	// Run executes the interactive chat loop until exit, error, or
	// context cancellation.
	Run(ctx context.Context) error

	// RunOnce sends a single message, renders the full stream, and
	// returns. Used by the ask command.
	RunOnce(ctx context.Context, message string) error
}

// =============================================================================
// Input Abstraction
// =============================================================================

// InputReader abstracts line-oriented user input so tests can script
// conversations.
type InputReader interface {
	// ReadLine returns the next input line without the trailing newline.
	// Returns io.EOF when input is exhausted.
	ReadLine() (string, error)
}

// StdinReader reads input lines from standard input.
type StdinReader struct {
	scanner *bufio.Scanner
}

// NewStdinReader creates an InputReader over os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{scanner: bufio.NewScanner(os.Stdin)}
}

func (r *StdinReader) ReadLine() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}

// =============================================================================
// Decision Prompt
// =============================================================================

// DecisionPrompter asks the user whether a flagged turn should continue
// with the redacted copy or abort.
type DecisionPrompter interface {
	PromptDecision(redactedPreview string) (datatypes.Decision, error)
}

// terminalDecisionPrompter renders an interactive confirm dialog. When the
// session is not interactive it answers abort without prompting, which
// matches what the server does when no answer arrives in time.
type terminalDecisionPrompter struct{}

func (terminalDecisionPrompter) PromptDecision(redactedPreview string) (datatypes.Decision, error) {
	if !ux.IsInteractive() {
		fmt.Fprintln(os.Stderr, "DECISION: sensitive data detected, aborting (non-interactive session)")
		return datatypes.DecisionAbort, nil
	}

	proceed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title("Sensitive data detected in your message").
			Description("If you continue, this redacted copy is sent instead:\n\n"+redactedPreview).
			Affirmative("Continue redacted").
			Negative("Abort").
			Value(&proceed),
	))
	if err := form.Run(); err != nil {
		// Treat an interrupted prompt as a refusal.
		return datatypes.DecisionAbort, err
	}

	if proceed {
		return datatypes.DecisionContinue, nil
	}
	return datatypes.DecisionAbort, nil
}

// =============================================================================
// Streaming Runner
// =============================================================================

type streamChatRunner struct {
	service   ChatService
	ui        ux.ChatUI
	input     InputReader
	prompter  DecisionPrompter
	processor ux.StreamProcessor
	verifier  ux.ChainVerifier

	workspace string
	threadID  string
	mode      datatypes.ChatMode

	entries []transcript.Entry
}

// RunnerOptions configures a streaming chat runner.
type RunnerOptions struct {
	Workspace string
	ThreadID  string
	Mode      datatypes.ChatMode
}

// NewChatRunner wires the streaming runner with terminal UI, stdin input,
// and the interactive decision prompt.
func NewChatRunner(service ChatService, opts RunnerOptions) ChatRunner {
	return &streamChatRunner{
		service:   service,
		ui:        ux.NewChatUI(),
		input:     NewStdinReader(),
		prompter:  terminalDecisionPrompter{},
		processor: ux.NewStreamProcessor(),
		verifier:  ux.NewChainVerifier(),
		workspace: opts.Workspace,
		threadID:  opts.ThreadID,
		mode:      opts.Mode,
	}
}

func (r *streamChatRunner) Run(ctx context.Context) error {
	r.ui.Header(r.workspace, r.mode)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fmt.Print(r.ui.Prompt())
		line, err := r.input.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}

		message := strings.TrimSpace(line)
		switch {
		case message == "":
			continue
		case message == "exit", message == "quit":
			return nil
		}

		if err := r.runTurn(ctx, message); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A failed turn is not fatal to the session.
			r.ui.Error(err)
		}
	}
}

func (r *streamChatRunner) RunOnce(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("empty message")
	}
	return r.runTurn(ctx, message)
}

// runTurn sends one message and consumes its event stream to completion.
func (r *streamChatRunner) runTurn(ctx context.Context, message string) error {
	r.entries = transcript.Seed(r.entries, uuid.New().String(), message)

	body, err := r.service.StreamTurn(ctx, r.workspace, datatypes.StreamChatRequest{
		Message:  message,
		Mode:     r.mode,
		ThreadID: r.threadID,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	spinner := ux.NewSpinner("Thinking")
	spinner.Start()
	spinning := true
	stopSpinner := func() {
		if spinning {
			spinner.Stop()
			spinning = false
		}
	}
	defer stopSpinner()

	events, err := r.processor.Process(body, func(ev datatypes.ChatEvent) error {
		stopSpinner()
		r.entries = transcript.Reduce(r.entries, ev)
		return r.renderEvent(ctx, ev)
	})
	if err != nil {
		return err
	}

	r.ui.ChainStatus(r.verifier.Verify(events))
	return nil
}

// renderEvent drives the terminal UI for one stream event. The transcript
// fold has already run; this only handles presentation and the decision
// round-trip.
func (r *streamChatRunner) renderEvent(ctx context.Context, ev datatypes.ChatEvent) error {
	switch ev.Type {
	case datatypes.EventTextChunk:
		r.ui.Token(ev.TextResponse)
		if ev.Close {
			r.ui.AnswerDone()
			r.ui.Sources(ev.Sources)
		}

	case datatypes.EventTextResponse:
		r.ui.Token(ev.TextResponse)
		r.ui.AnswerDone()
		r.ui.Sources(ev.Sources)

	case datatypes.EventSensitiveData:
		return r.answerSensitivePrompt(ctx, ev)

	case datatypes.EventAbort:
		r.ui.Aborted(ev.Error)

	case datatypes.EventStopGeneration:
		r.ui.AnswerDone()
		r.ui.Aborted("generation stopped")

	case datatypes.EventFinalize:
		// Envelope bookkeeping only; the transcript fold recorded the
		// persisted id.
	}
	return nil
}

// answerSensitivePrompt collects the user's decision and posts it back.
// The server holds the turn open while we ask, so this blocks the stream
// read deliberately.
func (r *streamChatRunner) answerSensitivePrompt(ctx context.Context, ev datatypes.ChatEvent) error {
	decision, err := r.prompter.PromptDecision(ev.RedactedMessage)
	if err != nil {
		// Fall through and deliver the abort so the server does not
		// have to wait out its timeout.
		decision = datatypes.DecisionAbort
	}

	delivered, postErr := r.service.SubmitDecision(ctx, ev.TurnID, decision)
	if postErr != nil {
		return fmt.Errorf("submit decision: %w", postErr)
	}
	if !delivered {
		// The server timed out the prompt before our answer landed; the
		// stream will carry the abort event.
		return nil
	}
	return err
}
