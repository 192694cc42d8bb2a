package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoLogger records log lines so tests can assert on the dispatch record.
type memoLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (l *memoLogger) Info(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, msg)
}

func (l *memoLogger) Error(msg string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *memoLogger) Warn(msg string, fields map[string]interface{})  {}
func (l *memoLogger) Debug(msg string, fields map[string]interface{}) {}

func (l *memoLogger) lastInfo() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.infos) == 0 {
		return ""
	}
	return l.infos[len(l.infos)-1]
}

func (l *memoLogger) lastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errors) == 0 {
		return ""
	}
	return l.errors[len(l.errors)-1]
}

// memoTelemetry counts metric emissions per name.
type memoTelemetry struct {
	mu      sync.Mutex
	spans   []string
	metrics map[string][]map[string]string
}

func (m *memoTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, name)
	return ctx, &NoOpSpan{}
}

func (m *memoTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		m.metrics = make(map[string][]map[string]string)
	}
	m.metrics[name] = append(m.metrics[name], labels)
}

type dispatchRig struct {
	mr       *miniredis.Miniredis
	sessions *SessionStore
	registry *ActionRegistry
	logger   *memoLogger
	d        *Dispatcher
}

func newDispatchRig(t *testing.T) *dispatchRig {
	t.Helper()
	mr, client := setupCoreTestRedis(t)
	logger := &memoLogger{}
	registry := NewActionRegistry(&NoOpLogger{})
	sessions := NewSessionStore(client, DefaultConfig().Session, &NoOpLogger{})
	return &dispatchRig{
		mr:       mr,
		sessions: sessions,
		registry: registry,
		logger:   logger,
		d:        NewDispatcher(registry, sessions, logger, nil),
	}
}

func TestDispatcherRunsAction(t *testing.T) {
	rig := newDispatchRig(t)
	require.NoError(t, rig.registry.Register(&Action{
		Name: "greet",
		Inputs: map[string]*Input{
			"name": {Type: InputString, Required: true},
		},
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			_, leaked := params["extra"]
			return map[string]interface{}{
				"greeting": "hello " + params.GetString("name"),
				"leaked":   leaked,
			}, nil
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
	out, err := rig.d.Act(context.Background(), conn, "greet",
		ActionParams{"name": "Mario", "extra": "x"}, "GET", "/api/greet")
	require.NoError(t, err)

	response, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "hello Mario", response["greeting"])
	assert.Equal(t, false, response["leaked"], "undeclared parameters never reach the action")

	_, loaded := conn.Session()
	assert.True(t, loaded, "dispatch establishes a session")
	assert.Contains(t, rig.logger.lastInfo(), "[ACTION:OK] greet")
}

func TestDispatcherUnknownAction(t *testing.T) {
	rig := newDispatchRig(t)
	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")

	out, err := rig.d.Act(context.Background(), conn, "nope", nil, "", "")
	assert.Nil(t, out)

	var typed *TypedError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindActionNotFound, typed.Kind)
	assert.Contains(t, rig.logger.lastError(), "[ACTION:ERROR] nope")
}

func TestDispatcherPanicRecovery(t *testing.T) {
	rig := newDispatchRig(t)
	require.NoError(t, rig.registry.Register(&Action{
		Name: "explode",
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			panic("kaboom")
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
	out, err := rig.d.Act(context.Background(), conn, "explode", nil, "", "")
	assert.Nil(t, out)

	var typed *TypedError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindActionRun, typed.Kind)
	assert.Contains(t, typed.Message, "panicked")
	assert.Contains(t, typed.Message, "kaboom")
	assert.NotEmpty(t, typed.Stack)
}

func TestDispatcherErrorWrapping(t *testing.T) {
	rig := newDispatchRig(t)
	plain := errors.New("plain failure")
	require.NoError(t, rig.registry.Register(&Action{
		Name: "plain",
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			return nil, plain
		},
	}))
	require.NoError(t, rig.registry.Register(&Action{
		Name: "typed",
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			return nil, NewTypedError(KindActionValidation, "rejected")
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")

	_, err := rig.d.Act(context.Background(), conn, "plain", nil, "", "")
	var typed *TypedError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindActionRun, typed.Kind, "foreign errors become ACTION_RUN")
	assert.ErrorIs(t, err, plain, "the original error stays in the chain")

	_, err = rig.d.Act(context.Background(), conn, "typed", nil, "", "")
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindActionValidation, typed.Kind, "typed errors keep their kind")
}

func TestDispatcherMiddlewareOrder(t *testing.T) {
	rig := newDispatchRig(t)

	var order []string
	record := func(name string) *ActionMiddleware {
		return &ActionMiddleware{
			Name: name,
			RunBefore: func(ctx context.Context, action *Action, params ActionParams, conn *Connection) (MiddlewareResult, error) {
				order = append(order, name+".before")
				return Pass(), nil
			},
			RunAfter: func(ctx context.Context, action *Action, response interface{}, conn *Connection) (MiddlewareResult, error) {
				order = append(order, name+".after")
				return Pass(), nil
			},
		}
	}

	// Registered out of priority order on purpose.
	second := record("second")
	second.Priority = 20
	rig.d.Use(second)
	first := record("first")
	first.Priority = 10
	rig.d.Use(first)

	require.NoError(t, rig.registry.Register(&Action{
		Name:       "observed",
		Middleware: []*ActionMiddleware{record("inner")},
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			order = append(order, "run")
			return nil, nil
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
	_, err := rig.d.Act(context.Background(), conn, "observed", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"first.before", "second.before", "inner.before",
		"run",
		"inner.after", "second.after", "first.after",
	}, order)
}

func TestDispatcherMiddlewareReplacements(t *testing.T) {
	rig := newDispatchRig(t)

	rig.d.Use(&ActionMiddleware{
		Name: "rewriter",
		RunBefore: func(ctx context.Context, action *Action, params ActionParams, conn *Connection) (MiddlewareResult, error) {
			return ReplaceParams(ActionParams{"name": "injected"}), nil
		},
		RunAfter: func(ctx context.Context, action *Action, response interface{}, conn *Connection) (MiddlewareResult, error) {
			return ReplaceResponse(map[string]interface{}{"wrapped": response}), nil
		},
	})

	require.NoError(t, rig.registry.Register(&Action{
		Name: "echoName",
		Inputs: map[string]*Input{
			"name": {Type: InputString},
		},
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			return params.GetString("name"), nil
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
	out, err := rig.d.Act(context.Background(), conn, "echoName",
		ActionParams{"name": "original"}, "", "")
	require.NoError(t, err)

	response, ok := out.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "injected", response["wrapped"])
}

func TestDispatcherMiddlewareAborts(t *testing.T) {
	rig := newDispatchRig(t)

	t.Run("before", func(t *testing.T) {
		ran := false
		require.NoError(t, rig.registry.Register(&Action{
			Name: "guarded",
			Middleware: []*ActionMiddleware{{
				Name: "deny",
				RunBefore: func(ctx context.Context, action *Action, params ActionParams, conn *Connection) (MiddlewareResult, error) {
					return Pass(), NewTypedError(KindSessionNotFound, "a session is required")
				},
			}},
			Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
				ran = true
				return nil, nil
			},
		}))

		conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
		_, err := rig.d.Act(context.Background(), conn, "guarded", nil, "", "")
		var typed *TypedError
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, KindSessionNotFound, typed.Kind)
		assert.False(t, ran, "a before failure stops the dispatch")
	})

	t.Run("after", func(t *testing.T) {
		ran := false
		require.NoError(t, rig.registry.Register(&Action{
			Name: "audited",
			Middleware: []*ActionMiddleware{{
				Name: "audit",
				RunAfter: func(ctx context.Context, action *Action, response interface{}, conn *Connection) (MiddlewareResult, error) {
					return Pass(), errors.New("audit write failed")
				},
			}},
			Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
				ran = true
				return "done", nil
			},
		}))

		conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
		out, err := rig.d.Act(context.Background(), conn, "audited", nil, "", "")
		require.Error(t, err)
		assert.Nil(t, out)
		assert.True(t, ran, "the action ran before the after hook failed")
	})
}

func TestDispatcherSessionLifecycle(t *testing.T) {
	rig := newDispatchRig(t)
	ctx := context.Background()

	authed := false
	require.NoError(t, rig.registry.Register(&Action{
		Name: "whoami",
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			authed = conn.Authenticated()
			return nil, nil
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.0.0.1", "stable-id")
	_, err := rig.d.Act(ctx, conn, "whoami", nil, "", "")
	require.NoError(t, err)
	assert.False(t, authed)
	assert.True(t, rig.mr.Exists(SessionKeyPrefix+"stable-id"),
		"the first dispatch persists a session record")

	// Signing in updates the record; later dispatches reuse the cached copy.
	sess, loaded := conn.Session()
	require.True(t, loaded)
	updated, err := rig.sessions.Update(ctx, sess, map[string]interface{}{"userId": 7})
	require.NoError(t, err)
	conn.SetSession(updated)

	_, err = rig.d.Act(ctx, conn, "whoami", nil, "", "")
	require.NoError(t, err)
	assert.True(t, authed)
}

func TestDispatcherLogRedaction(t *testing.T) {
	rig := newDispatchRig(t)
	require.NoError(t, rig.registry.Register(&Action{
		Name: "login",
		Inputs: map[string]*Input{
			"name":     {Type: InputString},
			"password": {Type: InputString, Secret: true},
			"avatar":   {Type: InputFile},
		},
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			return nil, nil
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.9.9.9", "")
	_, err := rig.d.Act(context.Background(), conn, "login", ActionParams{
		"name":     "Mario",
		"password": "hunter2",
		"avatar":   &UploadedFile{Name: "me.png", ContentType: "image/png", Size: 4, Data: []byte("data")},
	}, "POST", "/api/login")
	require.NoError(t, err)

	line := rig.logger.lastInfo()
	assert.Contains(t, line, "[ACTION:OK] login")
	assert.Contains(t, line, "[POST]")
	assert.Contains(t, line, "10.9.9.9(/api/login)")
	assert.Contains(t, line, SecretPlaceholder)
	assert.NotContains(t, line, "hunter2")
	assert.Contains(t, line, `"me.png"`, "files log as metadata")
	assert.NotContains(t, line, "data", "file content never hits the log")
}

func TestDispatcherRecordsMetricsAndSpans(t *testing.T) {
	_, client := setupCoreTestRedis(t)
	telemetry := &memoTelemetry{}
	registry := NewActionRegistry(&NoOpLogger{})
	sessions := NewSessionStore(client, DefaultConfig().Session, &NoOpLogger{})
	d := NewDispatcher(registry, sessions, &NoOpLogger{}, telemetry)

	require.NoError(t, registry.Register(&Action{
		Name: "ok",
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			return nil, nil
		},
	}))
	require.NoError(t, registry.Register(&Action{
		Name: "bad",
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			return nil, errors.New("nope")
		},
	}))

	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
	_, err := d.Act(context.Background(), conn, "ok", nil, "", "")
	require.NoError(t, err)
	_, err = d.Act(context.Background(), conn, "bad", nil, "", "")
	require.Error(t, err)

	// Unknown actions produce no span at all.
	_, _ = d.Act(context.Background(), conn, "ghost", nil, "", "")

	assert.Equal(t, []string{"action.ok", "action.bad"}, telemetry.spans)

	totals := telemetry.metrics["actions.total"]
	require.Len(t, totals, 2)
	assert.Equal(t, map[string]string{"action": "ok", "status": "ok"}, totals[0])
	assert.Equal(t, map[string]string{"action": "bad", "status": "error"}, totals[1])
	assert.Len(t, telemetry.metrics["action.duration.ms"], 2)
}
