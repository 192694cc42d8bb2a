package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// InputType declares how a parameter value is coerced before validation.
type InputType string

const (
	InputString  InputType = "string"
	InputNumber  InputType = "number"
	InputInteger InputType = "integer"
	InputBoolean InputType = "boolean"
	InputFile    InputType = "file"
	InputAny     InputType = "any"
)

// Input declares one action parameter: its type, constraints, default and
// secrecy. Secrecy is a schema attribute so the dispatcher's redaction pass
// never has to guess.
type Input struct {
	Type        InputType
	Description string
	Required    bool

	// Default is applied when the parameter is absent. It must already
	// have the declared type.
	Default interface{}

	// Numeric bounds, applied after coercion.
	Min *float64
	Max *float64

	// String length bounds. Zero means unset.
	MinLength int
	MaxLength int

	// Pattern must match the whole coerced string value.
	Pattern *regexp.Regexp

	// Secret values never appear in logs or error envelopes; they are
	// replaced with the [[secret]] placeholder.
	Secret bool

	// Multiple accepts a list of values; each element is coerced and
	// validated individually. A single incoming value is wrapped into a
	// one-element list. An incoming empty list is preserved.
	Multiple bool

	// Formatter replaces the built-in coercion. A returned error rejects
	// the parameter with ACTION_PARAM_FORMATTING.
	Formatter func(v interface{}) (interface{}, error)

	// Validator runs after coercion and constraints. A returned error
	// rejects the parameter with ACTION_PARAM_VALIDATION.
	Validator func(v interface{}) error
}

// UploadedFile is the coerced form of a multipart file parameter. Log lines
// include only the metadata, never the content.
type UploadedFile struct {
	Name        string `json:"name"`
	ContentType string `json:"type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// WebBinding exposes an action over HTTP at <apiRoute><Route> with the given
// method. Route segments of the form :name become path parameters.
type WebBinding struct {
	Route  string
	Method string
}

// TaskBinding exposes an action to the job runtime. A Frequency above zero
// makes the task recurring: the scheduler enqueues it at startup and every
// completion re-enqueues it Frequency later.
type TaskBinding struct {
	Queue     string
	Frequency time.Duration
}

// MCPBinding marks an action for exposure through a Model-Context-Protocol
// bridge. The framework only carries the flags; an external bridge reads them.
type MCPBinding struct {
	Tool     bool
	Resource bool
}

// Action is the single handler contract invoked uniformly from HTTP,
// WebSocket frames and the job queue.
type Action struct {
	// Name is unique across the registry, dotted-namespaced by convention
	// (e.g. "user:create" or "status").
	Name        string
	Description string

	// Inputs maps parameter names to their declarations. Undeclared
	// incoming parameters are dropped before the action runs.
	Inputs map[string]*Input

	Web  *WebBinding
	Task *TaskBinding
	MCP  *MCPBinding

	// SkipRateLimit exempts the action from the global rate limiter.
	SkipRateLimit bool

	// Middleware runs around this action only, after the global chain.
	Middleware []*ActionMiddleware

	Run func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error)
}

// Validate checks the action definition at registration time.
func (a *Action) Validate() error {
	if a.Name == "" {
		return NewTypedError(KindActionValidation, "action name is required")
	}
	if a.Run == nil {
		return NewTypedError(KindActionValidation,
			fmt.Sprintf("action %s has no run function", a.Name))
	}
	if a.Web != nil {
		if !strings.HasPrefix(a.Web.Route, "/") {
			return NewTypedError(KindActionValidation,
				fmt.Sprintf("action %s route must start with /: %q", a.Name, a.Web.Route))
		}
		method := strings.ToUpper(a.Web.Method)
		switch method {
		case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
			a.Web.Method = method
		default:
			return NewTypedError(KindActionValidation,
				fmt.Sprintf("action %s has unsupported method %q", a.Name, a.Web.Method))
		}
	}
	if a.Task != nil && a.Task.Frequency > 0 && a.Task.Queue == "" {
		return NewTypedError(KindActionValidation,
			fmt.Sprintf("action %s is recurring and must declare a queue", a.Name))
	}
	for name, input := range a.Inputs {
		if input == nil {
			return NewTypedError(KindActionValidation,
				fmt.Sprintf("action %s input %s has no declaration", a.Name, name))
		}
		if input.MinLength < 0 || input.MaxLength < 0 {
			return NewTypedError(KindActionValidation,
				fmt.Sprintf("action %s input %s has negative length bounds", a.Name, name))
		}
		if input.MaxLength > 0 && input.MinLength > input.MaxLength {
			return NewTypedError(KindActionValidation,
				fmt.Sprintf("action %s input %s min length exceeds max length", a.Name, name))
		}
		if input.Min != nil && input.Max != nil && *input.Min > *input.Max {
			return NewTypedError(KindActionValidation,
				fmt.Sprintf("action %s input %s min exceeds max", a.Name, name))
		}
	}
	return nil
}

// Recurring reports whether the action re-enqueues itself.
func (a *Action) Recurring() bool {
	return a.Task != nil && a.Task.Frequency > 0
}

// QueueName returns the declared task queue, or "default".
func (a *Action) QueueName() string {
	if a.Task != nil && a.Task.Queue != "" {
		return a.Task.Queue
	}
	return "default"
}

// Float64Ptr is a convenience for Input bounds.
func Float64Ptr(v float64) *float64 {
	return &v
}
