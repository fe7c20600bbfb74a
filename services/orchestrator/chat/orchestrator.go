// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat drives the lifecycle of a single workspace chat turn: command
// dispatch, moderation, the sensitive-data gate, retrieval, prompt assembly,
// completion, and finalization. Every externally observable transition is
// emitted as one typed event on the turn's EventChannel, in order.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/moorline/moorline/services/llm"
	"github.com/moorline/moorline/services/orchestrator/broker"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
	"github.com/moorline/moorline/services/orchestrator/observability"
	"github.com/moorline/moorline/services/redaction"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// noRelevantInfoReply is the fixed query-mode short-circuit answer for
	// workspaces with nothing to retrieve.
	noRelevantInfoReply = "There is no relevant information in this workspace to answer your query."

	// abortReasonSensitive is the user-visible reason when a turn ends on
	// an explicit sensitive-data abort decision.
	abortReasonSensitive = "sensitive data"

	// abortReasonDecisionTimeout is the user-visible reason when nobody
	// answered the sensitive-data prompt in time.
	abortReasonDecisionTimeout = "sensitive data review timed out"

	// defaultSystemPrompt is used when the deployment provides none.
	defaultSystemPrompt = "You are a helpful assistant answering questions about the user's workspace. " +
		"Ground your answers in the provided context when it is present."
)

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// EventChannel carries events from the pipeline to one client, ordered and
// one-directional. Implementations must not reorder or drop events; a Send
// error means the transport is dead and the turn cannot continue.
type EventChannel interface {
	Send(ev datatypes.ChatEvent) error
}

// Retriever is the vector-index collaborator.
type Retriever interface {
	HasNamespace(ctx context.Context, workspace string) (bool, error)
	SimilaritySearch(ctx context.Context, workspace, query string, topN int, certainty float32) ([]string, []datatypes.SourceInfo, error)
	PinnedDocuments(ctx context.Context, workspace string) ([]string, []datatypes.SourceInfo, error)
}

// HistoryStore is the persistence collaborator.
type HistoryStore interface {
	HistoryResetter
	Save(ctx context.Context, props datatypes.WorkspaceChatProperties) (strfmt.UUID, error)
	LoadHistory(ctx context.Context, workspace, threadID string, limit int) ([]datatypes.HistoryEntry, error)
}

// =============================================================================
// Orchestrator
// =============================================================================

// Config tunes the pipeline. Zero values fall back to package defaults.
type Config struct {
	// Model names the completion model for token budgeting.
	Model string

	// SystemPrompt is the base system instruction, before retrieved
	// context is appended.
	SystemPrompt string

	// TopN is the similarity-search result cap.
	TopN int

	// Certainty is the similarity-search threshold.
	Certainty float32
}

// Deps are the pipeline's collaborators. Completion, Scanner, Store and
// Broker are required; a nil Moderator skips the moderation stage and a nil
// Index skips retrieval (answers are ungrounded, query mode short-circuits).
type Deps struct {
	Completion llm.CompletionClient
	Moderator  llm.ModerationClient
	Scanner    *redaction.Scanner
	Index      Retriever
	Store      HistoryStore
	Broker     *broker.ChoiceBroker
	Commands   *CommandRegistry
}

// Orchestrator runs the turn pipeline. Safe for concurrent use: per-turn
// state lives on the stack, and cross-turn state is confined to the broker.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	commands *CommandRegistry
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator. Panics if a required collaborator
// is missing; that is a wiring bug, not a runtime condition.
func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if deps.Completion == nil {
		panic("chat.NewOrchestrator: Completion must not be nil")
	}
	if deps.Scanner == nil {
		panic("chat.NewOrchestrator: Scanner must not be nil")
	}
	if deps.Store == nil {
		panic("chat.NewOrchestrator: Store must not be nil")
	}
	if deps.Broker == nil {
		panic("chat.NewOrchestrator: Broker must not be nil")
	}

	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 4
	}
	if cfg.Certainty <= 0 {
		cfg.Certainty = 0.6
	}

	commands := deps.Commands
	if commands == nil {
		commands = DefaultCommands(deps.Store)
	}

	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		commands: commands,
		tracer:   otel.Tracer("moorline.orchestrator.chat"),
		logger:   slog.Default().With("component", "chat_orchestrator"),
	}
}

// StreamChat processes one user message end to end, emitting events on out.
//
// Domain failures (moderation rejection, retrieval failure, completion
// failure, decision timeout) are conveyed as events and return a nil error.
// A non-nil error means the event channel itself failed and the client saw
// an incomplete stream.
func (o *Orchestrator) StreamChat(ctx context.Context, workspace string, req datatypes.StreamChatRequest, out EventChannel) error {
	req.EnsureDefaults()
	turnID := datatypes.NewTurnID()
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "Orchestrator.StreamChat")
	defer span.End()
	span.SetAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("workspace", workspace),
		attribute.String("mode", string(req.Mode)),
	)

	outcome, err := o.runTurn(ctx, span, turnID, workspace, req, out, start)

	span.SetAttributes(
		attribute.String("turn.outcome", outcome),
		attribute.String("turn.state", string(terminalState(outcome))),
	)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordTurn(string(req.Mode), outcome)
		m.RecordTurnDuration(string(req.Mode), outcome, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// runTurn executes the pipeline stages and returns the turn outcome label.
// Each stage entry is recorded on the span as a state transition.
func (o *Orchestrator) runTurn(ctx context.Context, span trace.Span, turnID, workspace string, req datatypes.StreamChatRequest, out EventChannel, start time.Time) (string, error) {
	o.enterState(span, turnID, StateDispatching)
	if handler, ok := o.commands.Match(req.Message); ok {
		return o.runCommand(ctx, handler, turnID, workspace, req, out)
	}

	o.enterState(span, turnID, StateModerationCheck)
	if o.deps.Moderator != nil {
		verdict, err := o.deps.Moderator.Screen(ctx, req.Message)
		if err != nil {
			o.recordError(observability.StageModeration, observability.ErrorCodeInternal)
			return observability.OutcomeAborted, o.emitAbort(out, turnID, "moderation check failed")
		}
		if verdict.Flagged {
			o.recordError(observability.StageModeration, observability.ErrorCodeModerationRejected)
			reason := "message rejected by moderation: " + strings.Join(verdict.Categories, ", ")
			return observability.OutcomeAborted, o.emitAbort(out, turnID, reason)
		}
	}

	o.enterState(span, turnID, StateSensitiveCheck)
	message := req.Message
	scan := o.deps.Scanner.Scan(message)
	if scan.Found {
		if m := observability.DefaultMetrics; m != nil {
			for _, category := range scan.Matched {
				m.RecordRedactionHit(category)
			}
		}
		span.AddEvent("sensitive_data_detected")

		o.enterState(span, turnID, StateAwaitingDecision)
		redacted, outcome, err := o.awaitDecision(ctx, turnID, scan.Redacted, out)
		if outcome != "" || err != nil {
			return outcome, err
		}
		// Continue decision: the redacted copy replaces the raw message
		// for every later stage, including persistence.
		message = redacted
	}

	o.enterState(span, turnID, StateRetrieving)
	contexts, sources, outcome, err := o.retrieve(ctx, turnID, workspace, req.Mode, message, out)
	if outcome != "" || err != nil {
		return outcome, err
	}

	o.enterState(span, turnID, StateAssembling)
	messages, err := o.assemble(ctx, workspace, req.ThreadID, message, contexts)
	if err != nil {
		o.recordError(observability.StageCompletion, observability.ErrorCodeInternal)
		o.logger.Error("prompt assembly failed", "turn_id", turnID, "error", err)
		return observability.OutcomeAborted, o.emitAbort(out, turnID, "failed to assemble the prompt")
	}

	o.enterState(span, turnID, StateCompleting)
	answer, outcome, err := o.complete(ctx, turnID, req, messages, sources, out, start)
	if outcome != "" || err != nil {
		return outcome, err
	}

	o.enterState(span, turnID, StateFinalizing)
	return observability.OutcomeFinalized, o.finalize(ctx, turnID, workspace, req, message, answer, sources, out)
}

// enterState records a pipeline state transition on the span and the debug
// log. Terminal states are derived from the outcome instead, so this only
// sees advancing states.
func (o *Orchestrator) enterState(span trace.Span, turnID string, state TurnState) {
	span.AddEvent("turn_state", trace.WithAttributes(attribute.String("state", string(state))))
	o.logger.Debug("turn state", "turn_id", turnID, "state", state)
}

// terminalState maps a turn outcome label to its terminal pipeline state.
func terminalState(outcome string) TurnState {
	switch outcome {
	case observability.OutcomeFinalized:
		return StateFinalized
	case observability.OutcomeCancelled:
		return StateStreamCancelled
	default:
		return StateAborted
	}
}

// runCommand executes a slash command and ends the turn with its single
// reply event.
func (o *Orchestrator) runCommand(ctx context.Context, handler CommandHandler, turnID, workspace string, req datatypes.StreamChatRequest, out EventChannel) (string, error) {
	ev, err := handler(ctx, CommandContext{
		TurnID:    turnID,
		Workspace: workspace,
		ThreadID:  req.ThreadID,
		Message:   req.Message,
	})
	if err != nil {
		o.recordError(observability.StagePersistence, observability.ErrorCodeInternal)
		o.logger.Error("command execution failed", "turn_id", turnID, "error", err)
		return observability.OutcomeAborted, o.emitAbort(out, turnID, "command failed")
	}
	return observability.OutcomeFinalized, o.emit(out, ev)
}

// awaitDecision emits the sensitive-data flag and suspends the turn on the
// broker. It returns the redacted message to continue with; a non-empty
// outcome means the turn ended here.
func (o *Orchestrator) awaitDecision(ctx context.Context, turnID, redacted string, out EventChannel) (string, string, error) {
	if err := o.emit(out, datatypes.NewSensitiveDataEvent(turnID, redacted)); err != nil {
		return "", observability.OutcomeAborted, err
	}

	pending, err := o.deps.Broker.Register(turnID)
	if err != nil {
		// Duplicate registration is an internal-consistency bug; it is
		// logged but the user only sees a generic abort.
		o.recordError(observability.StageModeration, observability.ErrorCodeInternal)
		o.logger.Error("decision registration failed", "turn_id", turnID, "error", err)
		return "", observability.OutcomeAborted, o.emitAbort(out, turnID, abortReasonSensitive)
	}

	decision, err := pending.Wait(ctx)
	if err != nil {
		o.recordError(observability.StageModeration, observability.ErrorCodeSensitiveAborted)
		reason := abortReasonSensitive
		if errors.Is(err, broker.ErrDecisionTimeout) {
			reason = abortReasonDecisionTimeout
		}
		return "", observability.OutcomeAborted, o.emitAbort(out, turnID, reason)
	}
	if decision != datatypes.DecisionContinue {
		o.recordError(observability.StageModeration, observability.ErrorCodeSensitiveAborted)
		return "", observability.OutcomeAborted, o.emitAbort(out, turnID, abortReasonSensitive)
	}

	return redacted, "", nil
}

// retrieve gathers pinned and similarity context. A non-empty outcome means
// the turn ended here (query-mode short circuit or retrieval failure).
func (o *Orchestrator) retrieve(ctx context.Context, turnID, workspace string, mode datatypes.ChatMode, message string, out EventChannel) ([]string, []datatypes.SourceInfo, string, error) {
	if o.deps.Index == nil {
		if mode == datatypes.ModeQuery {
			return nil, nil, observability.OutcomeFinalized,
				o.emit(out, datatypes.NewTextResponseEvent(turnID, noRelevantInfoReply, nil))
		}
		return nil, nil, "", nil
	}

	hasContent, err := o.deps.Index.HasNamespace(ctx, workspace)
	if err != nil {
		o.recordError(observability.StageRetrieval, observability.ErrorCodeRetrievalFailed)
		o.logger.Error("namespace check failed", "turn_id", turnID, "workspace", workspace, "error", err)
		return nil, nil, observability.OutcomeAborted, o.emitAbort(out, turnID, "context retrieval failed")
	}
	if !hasContent {
		if mode == datatypes.ModeQuery {
			return nil, nil, observability.OutcomeFinalized,
				o.emit(out, datatypes.NewTextResponseEvent(turnID, noRelevantInfoReply, nil))
		}
		return nil, nil, "", nil
	}

	// Pinned documents and similarity search hit independent indexes, so
	// fetch them concurrently.
	var (
		pinnedTexts, simTexts     []string
		pinnedSources, simSources []datatypes.SourceInfo
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		pinnedTexts, pinnedSources, err = o.deps.Index.PinnedDocuments(groupCtx, workspace)
		if err != nil {
			return fmt.Errorf("pinned document fetch failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		var err error
		simTexts, simSources, err = o.deps.Index.SimilaritySearch(groupCtx, workspace, message, o.cfg.TopN, o.cfg.Certainty)
		if err != nil {
			return fmt.Errorf("similarity search failed: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		o.recordError(observability.StageRetrieval, observability.ErrorCodeRetrievalFailed)
		o.logger.Error("context retrieval failed", "turn_id", turnID, "error", err)
		return nil, nil, observability.OutcomeAborted, o.emitAbort(out, turnID, "context retrieval failed")
	}

	// Pinned context leads so it survives any downstream truncation.
	contexts := append(pinnedTexts, simTexts...)
	sources := append(pinnedSources, simSources...)

	if mode == datatypes.ModeQuery && len(sources) == 0 {
		return nil, nil, observability.OutcomeFinalized,
			o.emit(out, datatypes.NewTextResponseEvent(turnID, noRelevantInfoReply, nil))
	}

	return contexts, sources, "", nil
}

// assemble builds the ordered, token-budgeted prompt.
func (o *Orchestrator) assemble(ctx context.Context, workspace, threadID, message string, contexts []string) ([]datatypes.Message, error) {
	history, err := o.deps.Store.LoadHistory(ctx, workspace, threadID, datatypes.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	historyMessages := make([]datatypes.Message, 0, len(history)*2)
	for _, entry := range history {
		historyMessages = append(historyMessages,
			datatypes.Message{Role: "user", Content: entry.Prompt},
			datatypes.Message{Role: "assistant", Content: entry.Response},
		)
	}

	system := datatypes.Message{Role: "system", Content: buildSystemPrompt(o.cfg.SystemPrompt, contexts)}
	user := datatypes.Message{Role: "user", Content: message}

	return llm.CompressMessages(o.cfg.Model, system, historyMessages, user), nil
}

// buildSystemPrompt appends numbered context blocks to the base instruction.
func buildSystemPrompt(base string, contexts []string) string {
	if len(contexts) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nContext:\n")
	for i, text := range contexts {
		fmt.Fprintf(&b, "[CONTEXT %d]:\n%s\n[END CONTEXT %d]\n\n", i, text, i)
	}
	return b.String()
}

// complete produces the answer, streaming when the backend supports it. A
// non-empty outcome means the turn ended here (cancellation or failure).
func (o *Orchestrator) complete(ctx context.Context, turnID string, req datatypes.StreamChatRequest, messages []datatypes.Message, sources []datatypes.SourceInfo, out EventChannel, start time.Time) (string, string, error) {
	params := llm.GenerationParams{}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		params.Temperature = &temp
	}

	acc, err := NewChunkAccumulator()
	if err != nil {
		o.recordError(observability.StageCompletion, observability.ErrorCodeInternal)
		o.logger.Error("accumulator allocation failed", "turn_id", turnID, "error", err)
		return "", observability.OutcomeAborted, o.emitAbort(out, turnID, "completion failed")
	}
	defer acc.Destroy()

	streamer, canStream := o.deps.Completion.(llm.StreamingCompletionClient)
	if canStream && o.deps.Completion.SupportsStreaming() {
		return o.completeStreaming(ctx, turnID, req, streamer, params, messages, sources, acc, out, start)
	}
	return o.completeBatch(ctx, turnID, req, params, messages, sources, acc, out, start)
}

// completeBatch obtains the whole answer in one call and emits it as a
// single terminating chunk.
func (o *Orchestrator) completeBatch(ctx context.Context, turnID string, req datatypes.StreamChatRequest, params llm.GenerationParams, messages []datatypes.Message, sources []datatypes.SourceInfo, acc ChunkAccumulator, out EventChannel, start time.Time) (string, string, error) {
	text, err := o.deps.Completion.Chat(ctx, messages, params)
	if err != nil {
		if ctx.Err() != nil {
			return o.cancelStream(turnID, out)
		}
		o.recordError(observability.StageCompletion, observability.ErrorCodeCompletionFailed)
		o.logger.Error("completion failed", "turn_id", turnID, "error", err)
		return "", observability.OutcomeAborted, o.emitAbort(out, turnID, "completion failed")
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTimeToFirstChunk(string(req.Mode), time.Since(start).Seconds())
	}

	if err := acc.Write(text); err != nil {
		o.recordError(observability.StageCompletion, observability.ErrorCodeCompletionFailed)
		return "", observability.OutcomeAborted, o.emitAbort(out, turnID, "completion failed")
	}
	if err := o.emit(out, datatypes.NewChunkEvent(turnID, text, sources, true, "")); err != nil {
		return "", observability.OutcomeAborted, err
	}

	answer, _, err := acc.Finalize()
	if err != nil {
		answer = text
	}
	return answer, "", nil
}

// completeStreaming consumes incremental output with a one-chunk lookahead
// so the last increment is the one that carries final=true.
func (o *Orchestrator) completeStreaming(ctx context.Context, turnID string, req datatypes.StreamChatRequest, streamer llm.StreamingCompletionClient, params llm.GenerationParams, messages []datatypes.Message, sources []datatypes.SourceInfo, acc ChunkAccumulator, out EventChannel, start time.Time) (string, string, error) {
	var (
		pendingDelta string
		havePending  bool
		firstChunk   = true
	)

	streamErr := streamer.ChatStream(ctx, messages, params, func(ev llm.StreamEvent) error {
		if ev.Done || ev.Content == "" {
			return nil
		}
		if havePending {
			if err := o.emit(out, datatypes.NewChunkEvent(turnID, pendingDelta, nil, false, "")); err != nil {
				return err
			}
		}
		if firstChunk {
			firstChunk = false
			if m := observability.DefaultMetrics; m != nil {
				m.RecordTimeToFirstChunk(string(req.Mode), time.Since(start).Seconds())
			}
		}
		if err := acc.Write(ev.Content); err != nil {
			return err
		}
		pendingDelta = ev.Content
		havePending = true
		return nil
	})

	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || ctx.Err() != nil {
			return o.cancelStream(turnID, out)
		}
		// A mid-stream failure rides on the terminating chunk, never a
		// separate event type.
		o.recordError(observability.StageCompletion, observability.ErrorCodeCompletionFailed)
		o.logger.Error("streaming completion failed", "turn_id", turnID, "error", streamErr)
		final := datatypes.NewChunkEvent(turnID, "", sources, true, "completion failed: "+streamErr.Error())
		return "", observability.OutcomeAborted, o.emit(out, final)
	}

	// Flush the lookahead as the terminating chunk. An empty delta still
	// closes the stream when the model produced nothing.
	if err := o.emit(out, datatypes.NewChunkEvent(turnID, pendingDelta, sources, true, "")); err != nil {
		return "", observability.OutcomeAborted, err
	}

	answer, digest, err := acc.Finalize()
	if err != nil {
		o.recordError(observability.StageCompletion, observability.ErrorCodeCompletionFailed)
		o.logger.Error("answer capture failed", "turn_id", turnID, "error", err)
		return "", observability.OutcomeAborted, o.emitAbort(out, turnID, "completion failed")
	}
	o.logger.Debug("answer captured", "turn_id", turnID, "length", len(answer), "sha256", digest)
	return answer, "", nil
}

// cancelStream acknowledges a client-initiated stop. Finalization is
// skipped: a stopped turn is never persisted.
func (o *Orchestrator) cancelStream(turnID string, out EventChannel) (string, string, error) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordClientDisconnect()
	}
	o.logger.Info("generation stopped by client", "turn_id", turnID)
	return "", observability.OutcomeCancelled, o.emit(out, datatypes.NewStopGenerationEvent(turnID))
}

// finalize persists the completed turn and stamps the record id onto the
// stream. A persistence failure is reported on the finalize event without
// retracting the answer the client already has.
func (o *Orchestrator) finalize(ctx context.Context, turnID, workspace string, req datatypes.StreamChatRequest, prompt, answer string, sources []datatypes.SourceInfo, out EventChannel) error {
	sourcesJSON := ""
	if len(sources) > 0 {
		if raw, err := json.Marshal(sources); err == nil {
			sourcesJSON = string(raw)
		} else {
			o.logger.Warn("failed to encode sources for persistence", "turn_id", turnID, "error", err)
		}
	}

	id, err := o.deps.Store.Save(ctx, datatypes.WorkspaceChatProperties{
		Prompt:      prompt,
		Response:    answer,
		SourcesJSON: sourcesJSON,
		Workspace:   workspace,
		ThreadID:    req.ThreadID,
		UserID:      req.UserID,
		Mode:        string(req.Mode),
		CreatedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		o.recordError(observability.StagePersistence, observability.ErrorCodePersistenceFailed)
		o.logger.Error("failed to persist chat turn", "turn_id", turnID, "workspace", workspace, "error", err)
		return o.emit(out, datatypes.NewFinalizeEvent(turnID, "", "failed to save chat"))
	}

	return o.emit(out, datatypes.NewFinalizeEvent(turnID, id.String(), ""))
}

// =============================================================================
// Emission Helpers
// =============================================================================

// emit writes one event and counts it. A write failure means the client is
// gone; the error propagates so the caller stops producing.
func (o *Orchestrator) emit(out EventChannel, ev datatypes.ChatEvent) error {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordEvent(string(ev.Type))
	}
	if err := out.Send(ev); err != nil {
		o.logger.Warn("event delivery failed", "turn_id", ev.TurnID, "type", ev.Type, "error", err)
		return fmt.Errorf("failed to deliver %s event: %w", ev.Type, err)
	}
	return nil
}

// emitAbort terminates the turn with a user-visible reason.
func (o *Orchestrator) emitAbort(out EventChannel, turnID, reason string) error {
	return o.emit(out, datatypes.NewAbortEvent(turnID, reason))
}

func (o *Orchestrator) recordError(stage string, code observability.ErrorCode) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(stage, code)
	}
}
