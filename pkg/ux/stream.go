// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// maxEventSize bounds one SSE line. A single chunk can carry a large
// delta, but never megabytes.
const maxEventSize = 1024 * 1024

// EventHandler receives each event as it arrives. Returning an error
// stops the stream read.
type EventHandler func(event datatypes.ChatEvent) error

// StreamProcessor reads a chat event stream.
type StreamProcessor interface {
	// Process reads SSE frames from reader until EOF, invoking handle for
	// each decoded event. Returns every event read, in arrival order, so
	// the caller can verify the integrity chain afterwards.
	Process(reader io.Reader, handle EventHandler) ([]datatypes.ChatEvent, error)
}

// sseStreamProcessor decodes "event:"/"data:" framed ChatEvents.
type sseStreamProcessor struct{}

// NewStreamProcessor creates a new SSE stream processor
func NewStreamProcessor() StreamProcessor {
	return &sseStreamProcessor{}
}

// Process reads and decodes the event stream
func (p *sseStreamProcessor) Process(reader io.Reader, handle EventHandler) ([]datatypes.ChatEvent, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var events []datatypes.ChatEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Skip blank separators and comment keepalives
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, ":") {
			continue
		}

		// The "event:" line duplicates the JSON type field; the payload
		// is authoritative.
		if strings.HasPrefix(line, "event: ") {
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event datatypes.ChatEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return events, fmt.Errorf("malformed stream event: %w", err)
		}

		events = append(events, event)
		if handle != nil {
			if err := handle(event); err != nil {
				return events, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}
