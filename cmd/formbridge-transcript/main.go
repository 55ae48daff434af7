// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

// formbridge-transcript inspects transcript files written by
// formbridge-server: show prints a human-readable summary, verify
// checks the hash chain and seal, export emits the events as NDJSON.
// Encrypted transcripts need the master key via --key.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/formbridge/formbridge/bridge"
	"github.com/formbridge/formbridge/lib/secret"
	"github.com/formbridge/formbridge/lib/version"
	"github.com/formbridge/formbridge/transcript"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("no command given")
	}

	switch args[0] {
	case "--help", "-h", "help":
		printUsage()
		return nil
	case "--version":
		version.Print("formbridge-transcript")
		return nil
	case "show":
		return runShow(args[1:])
	case "verify":
		return runVerify(args[1:])
	case "export":
		return runExport(args[1:])
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// parseFileArgs handles the shared flag surface of all three verbs:
// one positional transcript path plus --key.
func parseFileArgs(verb string, args []string) (path string, key *secret.Buffer, err error) {
	var keyPath string
	flagSet := pflag.NewFlagSet("formbridge-transcript "+verb, pflag.ContinueOnError)
	flagSet.StringVar(&keyPath, "key", "", "hex-encoded 32-byte master key file (\"-\" for stdin)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			printUsage()
			return "", nil, fmt.Errorf("see usage above")
		}
		return "", nil, err
	}
	positional := flagSet.Args()
	if len(positional) != 1 {
		return "", nil, fmt.Errorf("%s takes exactly one transcript file", verb)
	}

	if keyPath != "" {
		key, err = transcript.LoadMasterKey(keyPath)
		if err != nil {
			return "", nil, err
		}
	}
	return positional[0], key, nil
}

func runShow(args []string) error {
	path, key, err := parseFileArgs("show", args)
	if err != nil {
		return err
	}
	if key != nil {
		defer key.Close()
	}

	decoded, err := transcript.ReadFile(path, key)
	if err != nil {
		return err
	}

	fmt.Printf("Transcript:  %s\n", decoded.TranscriptID)
	fmt.Printf("Created:     %s\n", decoded.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Encrypted:   %v\n", decoded.Encrypted)
	fmt.Printf("Events:      %d\n", len(decoded.Events))
	switch {
	case decoded.Sealed:
		fmt.Printf("Sealed:      %s\n", decoded.SealedAt.Format("2006-01-02 15:04:05 MST"))
	case decoded.Truncated:
		fmt.Printf("Sealed:      no (file ends mid-frame)\n")
	default:
		fmt.Printf("Sealed:      no\n")
	}
	fmt.Println()

	for _, event := range decoded.Events {
		fmt.Printf("%s  %-19s  session=%s%s\n",
			event.Time.Format("15:04:05.000"),
			event.Kind,
			shortID(event.SessionID),
			eventDetail(event),
		)
	}
	return nil
}

// eventDetail renders the per-kind suffix of a show line.
func eventDetail(event bridge.Event) string {
	detail := ""
	if event.RequestID != "" {
		detail += "  request=" + event.RequestID
	}
	if event.RequestType != "" {
		detail += "  type=" + event.RequestType
	}
	if event.ResponseType != "" {
		detail += "  response=" + event.ResponseType
	}
	if event.ErrorCode != "" {
		detail += "  error=" + string(event.ErrorCode)
	}
	if event.Detail != "" {
		detail += "  " + event.Detail
	}
	return detail
}

func runVerify(args []string) error {
	path, key, err := parseFileArgs("verify", args)
	if err != nil {
		return err
	}
	if key != nil {
		defer key.Close()
	}

	decoded, err := transcript.ReadFile(path, key)
	if err != nil {
		return err
	}

	switch {
	case decoded.Sealed:
		fmt.Printf("%s: sealed, %d events, chain verified\n", path, len(decoded.Events))
		return nil
	case decoded.Truncated:
		return fmt.Errorf("%s: unsealed, file ends mid-frame after %d events", path, len(decoded.Events))
	default:
		return fmt.Errorf("%s: unsealed, %d events (recorder was never closed)", path, len(decoded.Events))
	}
}

func runExport(args []string) error {
	path, key, err := parseFileArgs("export", args)
	if err != nil {
		return err
	}
	if key != nil {
		defer key.Close()
	}

	decoded, err := transcript.ReadFile(path, key)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	for _, event := range decoded.Events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
	}
	return nil
}

// shortID abbreviates a session id for the one-line show format; the
// export verb carries full ids.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printUsage() {
	fmt.Print(`formbridge-transcript - inspect FormBridge transcript files

USAGE
    formbridge-transcript show   [--key <file>] <transcript>
    formbridge-transcript verify [--key <file>] <transcript>
    formbridge-transcript export [--key <file>] <transcript>

COMMANDS
    show      Print a summary and the recorded events
    verify    Check the hash chain and seal; non-zero exit if unsealed
    export    Write the events to stdout as NDJSON

FLAGS
    --key <file>    Hex-encoded 32-byte master key for encrypted
                    transcripts ("-" reads the key from stdin)

EXAMPLES
    formbridge-transcript show ~/.cache/formbridge/transcripts/formbridge-20260830-101500-4242.fbtr
    formbridge-transcript verify --key master.key sealed.fbtr
    formbridge-transcript export run.fbtr | jq .kind
`)
}
