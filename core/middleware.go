package core

import (
	"context"
	"sort"
)

// MiddlewareResult is the explicit outcome of a middleware hook: pass the
// dispatch through unchanged, replace the parameter mapping (runBefore), or
// replace the response (runAfter). Hooks never mutate their arguments.
type MiddlewareResult struct {
	replaceParams   bool
	newParams       ActionParams
	replaceResponse bool
	newResponse     interface{}
}

// Pass leaves the dispatch unchanged.
func Pass() MiddlewareResult {
	return MiddlewareResult{}
}

// ReplaceParams substitutes the parameter mapping for the rest of the chain.
func ReplaceParams(params ActionParams) MiddlewareResult {
	return MiddlewareResult{replaceParams: true, newParams: params}
}

// ReplaceResponse substitutes the action response for the rest of the chain.
func ReplaceResponse(response interface{}) MiddlewareResult {
	return MiddlewareResult{replaceResponse: true, newResponse: response}
}

// Params returns the replacement parameters, if any.
func (m MiddlewareResult) Params() (ActionParams, bool) {
	return m.newParams, m.replaceParams
}

// Response returns the replacement response, if any.
func (m MiddlewareResult) Response() (interface{}, bool) {
	return m.newResponse, m.replaceResponse
}

// ActionMiddleware wraps action dispatch. Global middleware (registered on
// the dispatcher) runs for every action in ascending Priority order;
// per-action middleware runs afterwards in declaration order. RunAfter hooks
// run in the reverse of that combined order.
//
// A typed error returned from either hook aborts the dispatch and reaches the
// transport unchanged.
type ActionMiddleware struct {
	Name     string
	Priority int

	RunBefore func(ctx context.Context, action *Action, params ActionParams, conn *Connection) (MiddlewareResult, error)
	RunAfter  func(ctx context.Context, action *Action, response interface{}, conn *Connection) (MiddlewareResult, error)
}

// sortMiddleware orders a chain by ascending priority, keeping registration
// order for equal priorities.
func sortMiddleware(chain []*ActionMiddleware) {
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Priority < chain[j].Priority
	})
}

// SessionMiddleware rejects dispatches from connections whose session lacks a
// truthy userId. Attach it to actions that require a signed-in caller.
func SessionMiddleware() *ActionMiddleware {
	return &ActionMiddleware{
		Name:     "session",
		Priority: 100,
		RunBefore: func(ctx context.Context, action *Action, params ActionParams, conn *Connection) (MiddlewareResult, error) {
			if !conn.Authenticated() {
				return Pass(), NewTypedError(KindSessionNotFound, "a session is required")
			}
			return Pass(), nil
		},
	}
}
