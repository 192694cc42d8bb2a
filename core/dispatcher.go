package core

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Dispatcher runs the full action pipeline: lookup, lazy session load, input
// validation, the middleware chain, execution with panic recovery, and the
// structured action log line. Every transport (HTTP, WebSocket frames, job
// workers, CLI) funnels through Act so behavior is identical everywhere.
type Dispatcher struct {
	registry  *ActionRegistry
	sessions  *SessionStore
	logger    Logger
	telemetry Telemetry

	middleware []*ActionMiddleware
}

// NewDispatcher creates a dispatcher. telemetry may be nil.
func NewDispatcher(registry *ActionRegistry, sessions *SessionStore, logger Logger, telemetry Telemetry) *Dispatcher {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/dispatcher")
	}
	if telemetry == nil {
		telemetry = &NoOpTelemetry{}
	}
	return &Dispatcher{
		registry:  registry,
		sessions:  sessions,
		logger:    logger,
		telemetry: telemetry,
	}
}

// Use registers a global middleware. Global middleware runs for every action
// in ascending priority order, before any per-action middleware. Register
// everything before serving traffic.
func (d *Dispatcher) Use(mw *ActionMiddleware) {
	d.middleware = append(d.middleware, mw)
	sortMiddleware(d.middleware)
}

// Act dispatches one action invocation. httpMethod and url are logging
// context supplied by the web transport; other transports pass empty strings.
// The returned error is always a *TypedError.
func (d *Dispatcher) Act(ctx context.Context, conn *Connection, actionName string, raw ActionParams, httpMethod, url string) (interface{}, error) {
	start := time.Now()

	action, ok := d.registry.Get(actionName)
	if !ok {
		err := NewTypedError(KindActionNotFound,
			fmt.Sprintf("unknown action or route: %s", actionName))
		d.logAction(start, actionName, httpMethod, url, conn, nil, err)
		return nil, err
	}

	ctx, span := d.telemetry.StartSpan(ctx, "action."+actionName)
	defer span.End()
	span.SetAttribute("action.name", actionName)
	span.SetAttribute("connection.type", string(conn.Type))

	response, err := d.run(ctx, action, conn, raw)

	sanitized := sanitizeParams(action, raw)
	d.logAction(start, actionName, httpMethod, url, conn, sanitized, err)
	d.recordMetrics(actionName, start, err)

	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return response, nil
}

// run performs dispatch steps that happen inside the action span.
func (d *Dispatcher) run(ctx context.Context, action *Action, conn *Connection, raw ActionParams) (interface{}, error) {
	if err := d.ensureSession(ctx, conn); err != nil {
		return nil, EnsureTyped(err)
	}

	params, err := validateActionInputs(action, raw)
	if err != nil {
		return nil, err
	}

	// Global runBefore, then per-action runBefore.
	for _, mw := range d.middleware {
		if params, err = runBefore(ctx, mw, action, params, conn); err != nil {
			return nil, err
		}
	}
	for _, mw := range action.Middleware {
		if params, err = runBefore(ctx, mw, action, params, conn); err != nil {
			return nil, err
		}
	}

	response, err := d.execute(ctx, action, params, conn)
	if err != nil {
		return nil, err
	}

	// Per-action runAfter, then global runAfter, in reverse order.
	for i := len(action.Middleware) - 1; i >= 0; i-- {
		if response, err = runAfter(ctx, action.Middleware[i], action, response, conn); err != nil {
			return nil, err
		}
	}
	for i := len(d.middleware) - 1; i >= 0; i-- {
		if response, err = runAfter(ctx, d.middleware[i], action, response, conn); err != nil {
			return nil, err
		}
	}

	return response, nil
}

func runBefore(ctx context.Context, mw *ActionMiddleware, action *Action, params ActionParams, conn *Connection) (ActionParams, error) {
	if mw.RunBefore == nil {
		return params, nil
	}
	result, err := mw.RunBefore(ctx, action, params, conn)
	if err != nil {
		return nil, EnsureTyped(err)
	}
	if replacement, ok := result.Params(); ok {
		return replacement, nil
	}
	return params, nil
}

func runAfter(ctx context.Context, mw *ActionMiddleware, action *Action, response interface{}, conn *Connection) (interface{}, error) {
	if mw.RunAfter == nil {
		return response, nil
	}
	result, err := mw.RunAfter(ctx, action, response, conn)
	if err != nil {
		return nil, EnsureTyped(err)
	}
	if replacement, ok := result.Response(); ok {
		return replacement, nil
	}
	return response, nil
}

// ensureSession loads the session exactly once per connection lifetime,
// creating a fresh one when none exists yet.
func (d *Dispatcher) ensureSession(ctx context.Context, conn *Connection) error {
	if _, loaded := conn.Session(); loaded {
		return nil
	}

	sess, found, err := d.sessions.Load(ctx, conn)
	if err != nil {
		return err
	}
	if !found {
		sess, err = d.sessions.Create(ctx, conn, nil)
		if err != nil {
			return err
		}
	}
	conn.SetSession(sess)
	return nil
}

// execute invokes the action with panic recovery. Panics and non-typed
// errors both become ACTION_RUN, keeping the original stack.
func (d *Dispatcher) execute(ctx context.Context, action *Action, params ActionParams, conn *Connection) (response interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = &TypedError{
				Kind:    KindActionRun,
				Message: fmt.Sprintf("action %s panicked: %v", action.Name, r),
				Stack:   stack,
			}
			d.logger.Error("Action panicked", map[string]interface{}{
				"action": action.Name,
				"panic":  fmt.Sprint(r),
				"stack":  stack,
			})
			response = nil
		}
	}()

	response, err = action.Run(ctx, params, conn)
	if err != nil {
		if typed, ok := AsTypedError(err); ok {
			return nil, typed
		}
		return nil, WrapError(KindActionRun, err.Error(), err)
	}
	return response, nil
}

// logAction emits the one-line dispatch record:
// [ACTION:OK] user:create (12ms) [PUT] 10.0.0.1(/api/user) {"name":"Mario"}
func (d *Dispatcher) logAction(start time.Time, actionName, method, url string, conn *Connection, sanitized map[string]interface{}, dispatchErr error) {
	durationMs := time.Since(start).Milliseconds()

	status := "OK"
	if dispatchErr != nil {
		status = "ERROR"
	}

	methodPart := ""
	if method != "" {
		methodPart = fmt.Sprintf(" [%s]", strings.ToUpper(method))
	}
	where := conn.Identifier
	if url != "" {
		where = fmt.Sprintf("%s(%s)", conn.Identifier, url)
	}

	paramsJSON := "{}"
	if len(sanitized) > 0 {
		if b, err := json.Marshal(sanitized); err == nil {
			paramsJSON = string(b)
		}
	}

	line := fmt.Sprintf("[ACTION:%s] %s (%dms)%s %s %s",
		status, actionName, durationMs, methodPart, where, paramsJSON)

	fields := map[string]interface{}{
		"action":          actionName,
		"duration_ms":     durationMs,
		"connection_type": string(conn.Type),
	}
	if dispatchErr != nil {
		fields["error"] = dispatchErr.Error()
		fields["error_type"] = string(KindOf(dispatchErr))
		d.logger.Error(line, fields)
		return
	}
	d.logger.Info(line, fields)
}

func (d *Dispatcher) recordMetrics(actionName string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	labels := map[string]string{"action": actionName, "status": status}
	d.telemetry.RecordMetric("actions.total", 1, labels)
	d.telemetry.RecordMetric("action.duration.ms", float64(time.Since(start).Milliseconds()), labels)
}

// sanitizeParams produces the loggable view of the raw parameters: only
// declared inputs appear, secret fields become the placeholder, files shrink
// to their metadata.
func sanitizeParams(action *Action, raw ActionParams) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]interface{})
	for name, input := range action.Inputs {
		value, ok := raw[name]
		if !ok {
			continue
		}
		if input.Secret {
			out[name] = SecretPlaceholder
			continue
		}
		out[name] = sanitizeValue(value)
	}
	return out
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case *UploadedFile:
		return fileSummary(v)
	case []interface{}:
		list := make([]interface{}, len(v))
		for i, e := range v {
			list[i] = sanitizeValue(e)
		}
		return list
	default:
		return value
	}
}
