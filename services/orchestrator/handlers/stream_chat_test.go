// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// Tests for the streaming chat and decision handlers

package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorline/moorline/services/llm"
	"github.com/moorline/moorline/services/orchestrator/broker"
	"github.com/moorline/moorline/services/orchestrator/chat"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
	"github.com/moorline/moorline/services/redaction"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Doubles
// =============================================================================

type fixedCompletion struct {
	reply string
}

func (f *fixedCompletion) Chat(_ context.Context, _ []datatypes.Message, _ llm.GenerationParams) (string, error) {
	return f.reply, nil
}

func (f *fixedCompletion) SupportsStreaming() bool { return false }

type memoryStore struct {
	mu    sync.Mutex
	saved []datatypes.WorkspaceChatProperties
}

func (s *memoryStore) Save(_ context.Context, props datatypes.WorkspaceChatProperties) (strfmt.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, props)
	return strfmt.UUID("3b0d2a64-5a49-4f41-9d6e-0f1a2b3c4d5e"), nil
}

func (s *memoryStore) LoadHistory(_ context.Context, _, _ string, _ int) ([]datatypes.HistoryEntry, error) {
	return nil, nil
}

func (s *memoryStore) ResetHistory(_ context.Context, _, _ string) (int64, error) {
	return 0, nil
}

func newTestOrchestrator(t *testing.T, b *broker.ChoiceBroker) *chat.Orchestrator {
	t.Helper()
	t.Setenv("MOORLINE_INSECURE_MEMORY", "true")

	scanner, err := redaction.NewScanner()
	require.NoError(t, err)

	return chat.NewOrchestrator(chat.Config{Model: "gpt-4o-mini"}, chat.Deps{
		Completion: &fixedCompletion{reply: "Hello from the model."},
		Scanner:    scanner,
		Store:      &memoryStore{},
		Broker:     b,
	})
}

func newStreamRouter(t *testing.T) *gin.Engine {
	t.Helper()
	b := broker.New(time.Second, nil)
	h := NewChatHandlers(newTestOrchestrator(t, b))
	router := gin.New()
	router.POST("/v1/workspace/:slug/stream-chat", h.HandleStreamChat)
	return router
}

// =============================================================================
// HandleStreamChat Tests
// =============================================================================

func TestHandleStreamChat_InvalidBody(t *testing.T) {
	router := newStreamRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/workspace/docs/stream-chat", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
}

func TestHandleStreamChat_EmptyMessage(t *testing.T) {
	router := newStreamRouter(t)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/workspace/docs/stream-chat", bytes.NewBufferString(`{"message": ""}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation failed")
}

func TestHandleStreamChat_InvalidMode(t *testing.T) {
	router := newStreamRouter(t)

	w := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"message": "hi", "mode": "agent"}`)
	req, _ := http.NewRequest("POST", "/v1/workspace/docs/stream-chat", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStreamChat_EmitsSSEEvents(t *testing.T) {
	router := newStreamRouter(t)

	w := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"message": "What is the capital of France?"}`)
	req, _ := http.NewRequest("POST", "/v1/workspace/docs/stream-chat", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	out := w.Body.String()
	assert.Contains(t, out, "event: textResponseChunk")
	assert.Contains(t, out, "event: finalizeResponseStream")
	assert.Contains(t, out, "Hello from the model.")
}

func TestHandleStreamChat_SetsStreamingHeaders(t *testing.T) {
	router := newStreamRouter(t)

	w := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"message": "hi"}`)
	req, _ := http.NewRequest("POST", "/v1/workspace/docs/stream-chat", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
}

// =============================================================================
// HandleDecision Tests
// =============================================================================

func newDecisionRouter(b *broker.ChoiceBroker) *gin.Engine {
	h := NewDecisionHandlers(b)
	router := gin.New()
	router.POST("/v1/chat/decision", h.HandleDecision)
	return router
}

func postDecision(router *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/v1/chat/decision", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHandleDecision_InvalidBody(t *testing.T) {
	router := newDecisionRouter(broker.New(time.Second, nil))

	w := postDecision(router, "{broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDecision_UnknownDecisionValue(t *testing.T) {
	router := newDecisionRouter(broker.New(time.Second, nil))

	w := postDecision(router, `{"turnId": "7c9e6679-7425-40de-944b-e07fc1f90ae7", "decision": "maybe"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDecision_NoPendingTurnIsBenign(t *testing.T) {
	router := newDecisionRouter(broker.New(time.Second, nil))

	w := postDecision(router, `{"turnId": "7c9e6679-7425-40de-944b-e07fc1f90ae7", "decision": "continue"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":false`)
}

func TestHandleDecision_DeliversToWaitingTurn(t *testing.T) {
	b := broker.New(5*time.Second, nil)
	router := newDecisionRouter(b)

	const turnID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	pending, err := b.Register(turnID)
	require.NoError(t, err)

	done := make(chan datatypes.Decision, 1)
	go func() {
		decision, waitErr := pending.Wait(context.Background())
		if waitErr == nil {
			done <- decision
		}
		close(done)
	}()

	w := postDecision(router, `{"turnId": "`+turnID+`", "decision": "abort"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"delivered":true`)

	select {
	case decision := <-done:
		assert.Equal(t, datatypes.DecisionAbort, decision)
	case <-time.After(2 * time.Second):
		t.Fatal("suspended turn never observed the decision")
	}
}
