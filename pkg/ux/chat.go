// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// ChatUI renders the interactive chat session chrome.
type ChatUI interface {
	// Header prints the session banner.
	Header(workspace string, mode datatypes.ChatMode)

	// Prompt returns the input prompt string.
	Prompt() string

	// Token prints one streamed answer increment.
	Token(delta string)

	// AnswerDone terminates the answer block after the last token.
	AnswerDone()

	// Sources lists the documents that grounded the answer.
	Sources(sources []datatypes.SourceInfo)

	// Aborted reports a server-side turn abort.
	Aborted(reason string)

	// Error reports a client-side failure.
	Error(err error)

	// ChainStatus reports the integrity verification outcome.
	ChainStatus(result *ChainVerificationResult)
}

type terminalChatUI struct {
	writer io.Writer
}

// NewChatUI creates a ChatUI writing to stdout.
func NewChatUI() ChatUI {
	return &terminalChatUI{writer: os.Stdout}
}

// NewChatUIWithWriter creates a ChatUI with custom writer (for testing)
func NewChatUIWithWriter(w io.Writer) ChatUI {
	return &terminalChatUI{writer: w}
}

func (u *terminalChatUI) Header(workspace string, mode datatypes.ChatMode) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(u.writer, "SESSION: workspace=%s mode=%s\n", workspace, mode)
		return
	}
	title := Styles.Title.Render("Moorline Chat")
	meta := Styles.Muted.Render(fmt.Sprintf("workspace %s · %s mode · exit with 'exit' or Ctrl+C", workspace, mode))
	fmt.Fprintf(u.writer, "%s\n%s\n\n", title, meta)
}

func (u *terminalChatUI) Prompt() string {
	if GetPersonality().Level == PersonalityMachine {
		return "> "
	}
	return Styles.Highlight.Render("you") + Styles.Muted.Render(" › ")
}

func (u *terminalChatUI) Token(delta string) {
	fmt.Fprint(u.writer, delta)
}

func (u *terminalChatUI) AnswerDone() {
	fmt.Fprintln(u.writer)
}

func (u *terminalChatUI) Sources(sources []datatypes.SourceInfo) {
	if len(sources) == 0 {
		return
	}
	if GetPersonality().Level == PersonalityMachine {
		for _, source := range sources {
			fmt.Fprintf(u.writer, "SOURCE: %s score=%.4f\n", source.Source, source.Score)
		}
		return
	}

	fmt.Fprintln(u.writer, Styles.Subtitle.Render("Sources:"))
	for i, source := range sources {
		score := ""
		if source.Score != 0 {
			score = Styles.Muted.Render(fmt.Sprintf(" (%.2f)", source.Score))
		}
		fmt.Fprintf(u.writer, "  %d. %s%s\n", i+1, source.Source, score)
		if excerpt := strings.TrimSpace(source.Excerpt); excerpt != "" {
			fmt.Fprintf(u.writer, "     %s\n", Styles.Muted.Render(excerpt))
		}
	}
}

func (u *terminalChatUI) Aborted(reason string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(u.writer, "ABORTED: %s\n", reason)
		return
	}
	fmt.Fprintf(u.writer, "%s %s\n", IconWarning.Render(), Styles.Warning.Render("turn aborted: "+reason))
}

func (u *terminalChatUI) Error(err error) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(u.writer, "ERROR: %v\n", err)
		return
	}
	fmt.Fprintf(u.writer, "%s %s\n", IconError.Render(), Styles.Error.Render(err.Error()))
}

func (u *terminalChatUI) ChainStatus(result *ChainVerificationResult) {
	if result == nil || result.EventCount == 0 {
		return
	}
	if result.Valid {
		if GetPersonality().Level == PersonalityFull {
			fmt.Fprintln(u.writer, Styles.Muted.Render(
				fmt.Sprintf("  integrity chain verified (%d events)", result.EventCount)))
		}
		return
	}

	for _, chainBreak := range result.Breaks {
		Warning(fmt.Sprintf("integrity break at event %d (%s): %s",
			chainBreak.Index, chainBreak.EventID, chainBreak.Reason))
	}
}
