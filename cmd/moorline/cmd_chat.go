// Copyright (C) 2025 Moorline Labs (oss@moorline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moorline/moorline/pkg/ux"
	"github.com/moorline/moorline/services/orchestrator/datatypes"
)

// runChatCommand starts the interactive chat loop against the configured
// orchestrator. Ctrl+C cancels the in-flight turn and exits the loop.
func runChatCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	runner := newRunnerFromFlags()
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		ux.Error("Chat session failed: " + err.Error())
		os.Exit(1)
	}
}

// runAskCommand sends the arguments as a single message and streams the
// answer to stdout.
func runAskCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	runner := newRunnerFromFlags()
	if err := runner.RunOnce(ctx, strings.Join(args, " ")); err != nil && !errors.Is(err, context.Canceled) {
		ux.Error("Ask failed: " + err.Error())
		os.Exit(1)
	}
}

func newRunnerFromFlags() ChatRunner {
	mode := datatypes.ModeChat
	if queryMode {
		mode = datatypes.ModeQuery
	}

	service := NewChatService(getOrchestratorBaseURL())
	return NewChatRunner(service, RunnerOptions{
		Workspace: workspaceSlug,
		ThreadID:  threadID,
		Mode:      mode,
	})
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
