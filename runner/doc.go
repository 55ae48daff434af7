// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package runner launches agent processes and turns their output into
// structured events. An agent is any command that emits line-delimited
// JSON on stdout; lines that are not JSON objects pass through as
// plain output events, and stderr is carried as stderr events, so a
// consumer sees one ordered event channel per run.
//
// The typical flow:
//
//  1. LoadProfile (or build a RunSpec directly): command, args, env.
//  2. Local.Start: spawn the process in its own process group.
//  3. Range over Run.Events until the channel closes.
//  4. Run.Wait for the exit code.
//
// Context cancellation kills the whole process group, so agents that
// fork helpers cannot outlive their run.
package runner
