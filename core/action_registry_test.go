package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *ActionRegistry {
	t.Helper()
	return NewActionRegistry(&NoOpLogger{})
}

func mustRegister(t *testing.T, r *ActionRegistry, action *Action) {
	t.Helper()
	if action.Run == nil {
		action.Run = noopRun
	}
	require.NoError(t, r.Register(action))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "status"})

	err := r.Register(&Action{Name: "status", Run: noopRun})
	var typed *TypedError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, KindActionValidation, typed.Kind)
	assert.Contains(t, typed.Message, "already registered")
	assert.Equal(t, 1, r.Count())
}

func TestRegistryRejectsInvalidActions(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(&Action{Name: "", Run: noopRun})
	assert.Error(t, err)
	assert.Zero(t, r.Count())
}

func TestRegistryGet(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "status"})

	action, ok := r.Get("status")
	require.True(t, ok)
	assert.Equal(t, "status", action.Name)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryMatchRoute(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "user:show",
		Web: &WebBinding{Route: "/user/:id", Method: "GET"}})
	mustRegister(t, r, &Action{Name: "user:posts",
		Web: &WebBinding{Route: "/user/:id/posts/:postId", Method: "GET"}})
	mustRegister(t, r, &Action{Name: "root",
		Web: &WebBinding{Route: "/", Method: "GET"}})

	action, params, ok := r.MatchRoute("GET", "/user/42")
	require.True(t, ok)
	assert.Equal(t, "user:show", action.Name)
	assert.Equal(t, ActionParams{"id": "42"}, params)

	action, params, ok = r.MatchRoute("GET", "/user/42/posts/7")
	require.True(t, ok)
	assert.Equal(t, "user:posts", action.Name)
	assert.Equal(t, ActionParams{"id": "42", "postId": "7"}, params)

	action, _, ok = r.MatchRoute("get", "/")
	require.True(t, ok, "method match is case-insensitive")
	assert.Equal(t, "root", action.Name)

	// The method must match; a wrong one is a miss even for a known path.
	_, _, ok = r.MatchRoute("POST", "/user/42")
	assert.False(t, ok)

	// Placeholders never span path segments.
	_, _, ok = r.MatchRoute("GET", "/user/42/extra")
	assert.False(t, ok)
}

func TestRegistryMatchRouteRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "wildcard",
		Web: &WebBinding{Route: "/files/:name", Method: "GET"}})
	mustRegister(t, r, &Action{Name: "special",
		Web: &WebBinding{Route: "/files/readme", Method: "GET"}})

	action, _, ok := r.MatchRoute("GET", "/files/readme")
	require.True(t, ok)
	assert.Equal(t, "wildcard", action.Name,
		"the earlier registration wins when both routes match")
}

func TestRegistryRouteEscapesMetaCharacters(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "versioned",
		Web: &WebBinding{Route: "/v1.0/ping", Method: "GET"}})

	_, _, ok := r.MatchRoute("GET", "/v1.0/ping")
	assert.True(t, ok)
	_, _, ok = r.MatchRoute("GET", "/v1x0/ping")
	assert.False(t, ok, "the dot is a literal, not a regexp wildcard")
}

func TestRegistryMatchPath(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "user:update",
		Web: &WebBinding{Route: "/user/:id", Method: "PUT"}})

	assert.True(t, r.MatchPath("/user/42"), "any method counts for preflight")
	assert.False(t, r.MatchPath("/ghost"))
}

func TestRegistryRecurringSorted(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "zeta",
		Task: &TaskBinding{Queue: "q", Frequency: time.Minute}})
	mustRegister(t, r, &Action{Name: "alpha",
		Task: &TaskBinding{Queue: "q", Frequency: time.Minute}})
	mustRegister(t, r, &Action{Name: "oneshot",
		Task: &TaskBinding{Queue: "q"}})

	recurring := r.Recurring()
	require.Len(t, recurring, 2)
	assert.Equal(t, "alpha", recurring[0].Name)
	assert.Equal(t, "zeta", recurring[1].Name)
}

func TestRegistryNames(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, &Action{Name: "b"})
	mustRegister(t, r, &Action{Name: "a"})
	mustRegister(t, r, &Action{Name: "c"})

	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	assert.Equal(t, 3, r.Count())
}

func TestRegistryRouteParamsReachActions(t *testing.T) {
	r := newTestRegistry(t)
	var seen string
	mustRegister(t, r, &Action{
		Name: "echoes",
		Web:  &WebBinding{Route: "/echo/:word", Method: "GET"},
		Run: func(ctx context.Context, params ActionParams, conn *Connection) (interface{}, error) {
			seen = params.GetString("word")
			return nil, nil
		},
	})

	action, params, ok := r.MatchRoute("GET", "/echo/hello")
	require.True(t, ok)
	_, err := action.Run(context.Background(), params, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", seen)
}
