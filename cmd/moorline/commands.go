// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Default orchestrator address for a local deployment.
const (
	DefaultOrchestratorHost = "localhost"
	DefaultOrchestratorPort = 12210
)

// --- Global Command Variables ---
var (
	workspaceSlug   string
	threadID        string
	queryMode       bool
	personalityFlag string // UX personality level (full/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "moorline",
		Short: "A cli for the Moorline workspace chat service",
		Long: `Moorline turns your documents into a private, workspace-scoped
chat assistant. This CLI talks to a running orchestrator service.`,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session with a workspace",
		Run:   runChatCommand, // Defined in cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand, // Defined in cmd_chat.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspaceSlug, "workspace", "w", "default",
		"Workspace slug to chat against")
	rootCmd.PersistentFlags().StringVar(&threadID, "thread", "",
		"Conversation thread id (new thread when empty)")
	rootCmd.PersistentFlags().BoolVarP(&queryMode, "query", "q", false,
		"Query mode: only answer from retrieved documents")
	rootCmd.PersistentFlags().StringVar(&personalityFlag, "personality", "",
		"Output personality: full, minimal, or machine")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
}

// getOrchestratorBaseURL returns the standard address for the orchestrator.
func getOrchestratorBaseURL() string {
	// 1. Priority: Environment Variable (Used by Tests & Docker overrides)
	if url := os.Getenv("MOORLINE_ORCHESTRATOR_URL"); url != "" {
		return url
	}
	// 2. Default: Standard Host/Port
	return fmt.Sprintf("http://%s:%d", DefaultOrchestratorHost, DefaultOrchestratorPort)
}
