// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// formbridge-run launches an agent process against a running
// FormBridge server. It creates a bridge session, hands the
// credentials to the agent through the environment, and relays the
// agent's output to stdout as NDJSON, framed by run_started and
// run_finished lines. The agent's stderr passes through verbatim.
//
// The run_started line carries the session id and token: paste them
// into the browser extension to attach the page the agent will work
// against.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/formbridge/formbridge/bridgeclient"
	"github.com/formbridge/formbridge/lib/version"
	"github.com/formbridge/formbridge/runner"
)

// exitError carries the agent's exit code to main without printing
// anything: the agent already reported its own failure.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("agent exited with code %d", e.code) }
func (e exitError) ExitCode() int { return e.code }

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var serverURL string
	var workDir string
	var timeout time.Duration
	var extraEnv []string
	var verbose bool

	flagSet := pflag.NewFlagSet("formbridge-run", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "server", "", "FormBridge server URL (default: $FORMBRIDGE_URL, else http://127.0.0.1:8642)")
	flagSet.StringVar(&workDir, "dir", "", "working directory for the agent")
	flagSet.DurationVar(&timeout, "timeout", 0, "kill the agent after this long (0 = no limit)")
	flagSet.StringArrayVar(&extraEnv, "env", nil, "extra KEY=VALUE environment for the agent (repeatable)")
	flagSet.BoolVar(&verbose, "verbose", false, "log run lifecycle details to stderr")
	flagSet.BoolP("help", "h", false, "show help")

	// Handle --version before flag parsing so it works without any
	// other flags.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("formbridge-run")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return fmt.Errorf("no agent command given")
	}

	if serverURL == "" {
		serverURL = os.Getenv(bridgeclient.EnvBaseURL)
	}
	if serverURL == "" {
		serverURL = "http://127.0.0.1:8642"
	}

	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client, err := bridgeclient.NewClient(bridgeclient.ClientConfig{
		BaseURL: serverURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	session, err := client.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("creating bridge session: %w", err)
	}
	credentials := session.Credentials()
	logger.Debug("bridge session created",
		"sessionId", credentials.SessionID, "expiresAt", credentials.ExpiresAt)

	env := append([]string(nil), extraEnv...)
	env = append(env,
		bridgeclient.EnvBaseURL+"="+serverURL,
		bridgeclient.EnvSessionID+"="+credentials.SessionID,
		bridgeclient.EnvToken+"="+credentials.Token,
	)

	agentRun, err := runner.NewLocal(logger).Start(ctx, runner.RunSpec{
		Command: args[0],
		Args:    args[1:],
		Dir:     workDir,
		Env:     env,
		Stderr:  os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("starting agent: %w", err)
	}

	writeLine(runStartedLine{
		Type:      "run_started",
		RunID:     agentRun.ID(),
		SessionID: credentials.SessionID,
		Token:     credentials.Token,
		ExpiresAt: credentials.ExpiresAt,
	})

	for event := range agentRun.Events() {
		os.Stdout.Write(event.Payload)
		os.Stdout.Write([]byte{'\n'})
	}

	exitCode, waitErr := agentRun.Wait()
	finished := runFinishedLine{
		Type:     "run_finished",
		RunID:    agentRun.ID(),
		ExitCode: exitCode,
	}
	if waitErr != nil {
		finished.Error = waitErr.Error()
	}
	writeLine(finished)

	switch {
	case waitErr != nil:
		return waitErr
	case exitCode < 0:
		return fmt.Errorf("agent terminated by signal")
	case exitCode != 0:
		return exitError{exitCode}
	}
	return nil
}

// runStartedLine and runFinishedLine frame the relay, matching the
// server's POST /v1/runs stream.
type runStartedLine struct {
	Type      string    `json:"type"`
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type runFinishedLine struct {
	Type     string `json:"type"`
	RunID    string `json:"runId"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error,omitempty"`
}

func writeLine(value any) {
	line, err := json.Marshal(value)
	if err != nil {
		// These structs always marshal.
		panic("encoding relay line: " + err.Error())
	}
	os.Stdout.Write(append(line, '\n'))
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Run an agent with FormBridge session credentials injected.

The agent receives FORMBRIDGE_URL, FORMBRIDGE_SESSION_ID, and
FORMBRIDGE_TOKEN in its environment, dispatches form requests through
the bridge, and a browser attached to the same session answers them.
Agent stdout is relayed to stdout as NDJSON; stderr passes through.
The exit code is the agent's own.

Usage:
  formbridge-run [flags] -- <command> [args...]

Examples:
  # Run an agent against the local server
  formbridge-run -- my-agent --task "fill the checkout form"

  # Cap the run at two minutes and pass extra environment
  formbridge-run --timeout 2m --env AGENT_MODE=checkout -- my-agent

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
