// Copyright 2026 The FormBridge Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

// Wire type discriminants. Every request and response object carries
// one in its "type" field.
const (
	TypeSnapshotRequest  = "snapshot_request"
	TypeExecuteRequest   = "execute_request"
	TypeSnapshotResponse = "snapshot_response"
	TypeExecuteResponse  = "execute_response"
	TypeErrorResponse    = "error_response"
)

// Action kinds accepted in execute requests.
const (
	ActionFill    = "fill"
	ActionSelect  = "select"
	ActionCheck   = "check"
	ActionUncheck = "uncheck"
	ActionClick   = "click"
)

// Field describes one form field as the browser capability sees it.
// Ref is the stable handle both sides use to name the field; its
// format (CSS selector, accessibility id, index) is the browser
// side's business.
type Field struct {
	Ref      string   `json:"ref"`
	Label    string   `json:"label,omitempty"`
	Kind     string   `json:"kind"`
	Value    string   `json:"value,omitempty"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
}

// Action is one typed operation against a form field. Value is
// meaningful for fill and select; check, uncheck, and click ignore it.
type Action struct {
	Kind  string `json:"kind"`
	Ref   string `json:"ref"`
	Value string `json:"value,omitempty"`
}

// SkippedAction records an action the browser declined to apply and
// why (field not found, option missing, element not interactable).
type SkippedAction struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// Report summarizes the outcome of an execute request: which field
// refs were applied, which actions were skipped, and free-form
// warnings.
type Report struct {
	Applied  []string        `json:"applied"`
	Skipped  []SkippedAction `json:"skipped"`
	Warnings []string        `json:"warnings"`
}

// Request is the envelope pushed to the browser. Type selects the
// variant; only that variant's fields are populated:
//
//   - snapshot_request: Instruction (required) and Document (optional
//     raw HTML or serialized form context).
//   - execute_request: Actions (at least one) and Fields (the snapshot
//     the actions refer to, optional).
//
// RequestID is caller-supplied and correlates the eventual response;
// it must be unique among the session's in-flight requests.
type Request struct {
	Type        string   `json:"type"`
	RequestID   string   `json:"requestId"`
	Instruction string   `json:"instruction,omitempty"`
	Document    string   `json:"document,omitempty"`
	Actions     []Action `json:"actions,omitempty"`
	Fields      []Field  `json:"fields,omitempty"`
}

// Validate checks the request shape. Failures are INVALID_RESPONSE
// errors.
func (r *Request) Validate() error {
	if r.RequestID == "" {
		return InvalidResponse("request is missing requestId")
	}

	switch r.Type {
	case TypeSnapshotRequest:
		if r.Instruction == "" {
			return InvalidResponse("snapshot_request is missing instruction")
		}
	case TypeExecuteRequest:
		if len(r.Actions) == 0 {
			return InvalidResponse("execute_request has no actions")
		}
		for i := range r.Actions {
			if err := r.Actions[i].validate(); err != nil {
				return InvalidResponse("action %d: %s", i, Normalize(err).Message)
			}
		}
	default:
		return InvalidResponse("unknown request type %q (want %q or %q)",
			r.Type, TypeSnapshotRequest, TypeExecuteRequest)
	}
	return nil
}

func (a *Action) validate() error {
	if a.Ref == "" {
		return InvalidResponse("missing ref")
	}
	switch a.Kind {
	case ActionFill, ActionSelect, ActionCheck, ActionUncheck, ActionClick:
		return nil
	default:
		return InvalidResponse("unknown action kind %q", a.Kind)
	}
}

// Response is the envelope the browser posts back. Type selects the
// variant:
//
//   - snapshot_response: Fields (may be empty for a form with none).
//   - execute_response: Report (required).
//   - error_response: Message describing why the browser could not
//     serve the request.
type Response struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId"`
	Fields    []Field `json:"fields,omitempty"`
	Report    *Report `json:"report,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// Validate checks the response shape. Failures are INVALID_RESPONSE
// errors.
func (r *Response) Validate() error {
	if r.RequestID == "" {
		return InvalidResponse("response is missing requestId")
	}

	switch r.Type {
	case TypeSnapshotResponse:
		return nil
	case TypeExecuteResponse:
		if r.Report == nil {
			return InvalidResponse("execute_response is missing report")
		}
		return nil
	case TypeErrorResponse:
		return nil
	default:
		return InvalidResponse("unknown response type %q", r.Type)
	}
}

// ExpectedResponse returns the response type that settles a request of
// the given type, or "" when the request type is unknown. An
// error_response settles any request type; this mapping covers the
// success pairing only.
func ExpectedResponse(requestType string) string {
	switch requestType {
	case TypeSnapshotRequest:
		return TypeSnapshotResponse
	case TypeExecuteRequest:
		return TypeExecuteResponse
	default:
		return ""
	}
}
