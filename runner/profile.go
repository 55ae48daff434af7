// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// Profile is a named, reusable agent invocation authored on disk as
// JSONC (JSON with comments and trailing commas).
type Profile struct {
	// Name identifies the profile; defaults to the file basename.
	Name string `json:"name,omitempty"`

	// Command is the executable to run.
	Command string `json:"command"`

	// Args are the command arguments.
	Args []string `json:"args,omitempty"`

	// Env is extra environment for the run.
	Env map[string]string `json:"env,omitempty"`

	// TimeoutSeconds bounds the whole run; 0 means no limit.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// ParseProfile strips JSONC comments and trailing commas, then
// unmarshals and validates the profile.
func ParseProfile(data []byte) (*Profile, error) {
	stripped := jsonc.ToJSON(data)

	var profile Profile
	if err := json.Unmarshal(stripped, &profile); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return &profile, nil
}

// LoadProfile reads a JSONC profile file. A profile without an
// explicit name takes the file basename, extension stripped.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	profile, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if profile.Name == "" {
		profile.Name = nameFromPath(path)
	}
	return profile, nil
}

// LoadProfileDir loads every .json and .jsonc file in dir, keyed by
// profile name. A missing directory yields an empty map: profiles
// are optional.
func LoadProfileDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Profile{}, nil
		}
		return nil, fmt.Errorf("reading profile directory %s: %w", dir, err)
	}

	profiles := make(map[string]*Profile)
	sources := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		filename := entry.Name()
		if !strings.HasSuffix(filename, ".json") && !strings.HasSuffix(filename, ".jsonc") {
			continue
		}
		profile, err := LoadProfile(filepath.Join(dir, filename))
		if err != nil {
			return nil, err
		}
		if existing, duplicate := sources[profile.Name]; duplicate {
			return nil, fmt.Errorf("profile %q defined twice (%s and %s)",
				profile.Name, existing, filename)
		}
		profiles[profile.Name] = profile
		sources[profile.Name] = filename
	}
	return profiles, nil
}

// Validate checks the profile shape.
func (p *Profile) Validate() error {
	if p.Command == "" {
		return fmt.Errorf("profile %q has no command", p.Name)
	}
	if p.TimeoutSeconds < 0 {
		return fmt.Errorf("profile %q has negative timeoutSeconds", p.Name)
	}
	return nil
}

// Spec builds a RunSpec from the profile plus extra environment
// entries. Profile env is emitted in sorted key order so specs are
// deterministic.
func (p *Profile) Spec(extraEnv []string) RunSpec {
	env := make([]string, 0, len(p.Env)+len(extraEnv))
	keys := make([]string, 0, len(p.Env))
	for key := range p.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+p.Env[key])
	}
	env = append(env, extraEnv...)

	return RunSpec{
		Command: p.Command,
		Args:    append([]string(nil), p.Args...),
		Env:     env,
	}
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
