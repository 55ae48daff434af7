// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for FormBridge
// components.
//
// Configuration is loaded from a single file specified by either the
// FORMBRIDGE_CONFIG environment variable (via [Load]) or a --config
// flag (via [LoadFile]). There are no fallbacks, no ~/.config
// discovery, and no automatic file search. This ensures deterministic,
// auditable configuration with no hidden overrides.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${FORMBRIDGE_ROOT}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Server, Bridge, EventLog,
//     Transcript, and Runner sections
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// Duration fields are stored as strings ("20s", "10m") and exposed as
// parsed [time.Duration] values through accessor methods on [Config].
// [Config.Validate] rejects values that do not parse; the accessors
// fall back to package defaults so callers never observe a zero
// timeout.
//
// This package depends on no other FormBridge packages.
package config
