// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// Tests for the SSE event writer

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// noFlushWriter is a ResponseWriter without http.Flusher.
type noFlushWriter struct {
	header http.Header
}

func (w *noFlushWriter) Header() http.Header       { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)           {}

// decodeEvents parses the data payloads out of an SSE body.
func decodeEvents(t *testing.T, body string) []datatypes.ChatEvent {
	t.Helper()
	var events []datatypes.ChatEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev datatypes.ChatEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestNewSSEWriter_RequiresFlusher(t *testing.T) {
	_, err := NewSSEWriter(&noFlushWriter{header: http.Header{}})
	assert.Error(t, err)
}

func TestSSEWriter_FramesEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	ev := datatypes.NewTextResponseEvent("turn-1", "hello", nil)
	require.NoError(t, writer.Send(ev))

	body := rec.Body.String()
	assert.Contains(t, body, "event: textResponse\n")
	assert.Contains(t, body, "data: {")
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}

func TestSSEWriter_StampsEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.Send(datatypes.NewTextResponseEvent("turn-1", "hello", nil)))

	events := decodeEvents(t, rec.Body.String())
	require.Len(t, events, 1)

	_, parseErr := uuid.Parse(events[0].EventID)
	assert.NoError(t, parseErr)
	assert.NotZero(t, events[0].CreatedAt)
	assert.NotEmpty(t, events[0].Hash)
	assert.Empty(t, events[0].PrevHash, "first event anchors the chain")
}

func TestSSEWriter_HashChainLinks(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.Send(datatypes.NewChunkEvent("turn-1", "The capital", nil, false, "")))
	require.NoError(t, writer.Send(datatypes.NewChunkEvent("turn-1", " is Paris.", nil, true, "")))

	events := decodeEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.NotEqual(t, events[0].Hash, events[1].Hash)
}

func TestSSEWriter_HashCoversContent(t *testing.T) {
	ev := datatypes.NewChunkEvent("turn-1", "answer", nil, true, "")
	ev.EventID = "fixed"
	ev.CreatedAt = 42

	base := datatypes.ComputeEventHash(ev)

	tampered := ev
	tampered.TextResponse = "different answer"
	assert.NotEqual(t, base, datatypes.ComputeEventHash(tampered))
}

func TestSSEWriter_KeepAliveIsComment(t *testing.T) {
	rec := httptest.NewRecorder()
	writer, err := NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, writer.WriteKeepAlive())
	assert.Equal(t, ": ping\n\n", rec.Body.String())

	// Comments carry no data payload and never enter the chain.
	assert.Empty(t, decodeEvents(t, rec.Body.String()))
}
