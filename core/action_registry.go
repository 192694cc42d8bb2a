package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// compiledRoute is an action's web binding with the :name placeholders
// compiled into capture groups.
type compiledRoute struct {
	action     *Action
	method     string
	pattern    *regexp.Regexp
	paramNames []string
}

// ActionRegistry holds every registered action, keyed by name, plus the
// ordered route table used by the web server. Registration happens at
// startup; the registry is read-only afterwards.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]*Action
	routes  []*compiledRoute
	logger  Logger
}

// NewActionRegistry creates an empty registry.
func NewActionRegistry(logger Logger) *ActionRegistry {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/actions")
	}
	return &ActionRegistry{
		actions: make(map[string]*Action),
		logger:  logger,
	}
}

// Register validates and adds an action. Duplicate names are rejected.
func (r *ActionRegistry) Register(action *Action) error {
	if err := action.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[action.Name]; exists {
		return NewTypedError(KindActionValidation,
			fmt.Sprintf("action %s is already registered", action.Name))
	}

	if action.Web != nil {
		route, err := compileRoute(action)
		if err != nil {
			return err
		}
		r.routes = append(r.routes, route)
	}

	r.actions[action.Name] = action

	r.logger.Debug("Action registered", map[string]interface{}{
		"action":    action.Name,
		"web":       action.Web != nil,
		"task":      action.Task != nil,
		"recurring": action.Recurring(),
	})
	return nil
}

// Get returns the action with the given name.
func (r *ActionRegistry) Get(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	return action, ok
}

// MatchRoute resolves a method and path (already stripped of the api route
// prefix) to an action. Routes are tried in registration order; the method
// must match exactly. Extracted path parameters come back as strings.
func (r *ActionRegistry) MatchRoute(method, path string) (*Action, ActionParams, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	method = strings.ToUpper(method)
	for _, route := range r.routes {
		if route.method != method {
			continue
		}
		m := route.pattern.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		params := make(ActionParams, len(route.paramNames))
		for i, name := range route.paramNames {
			params[name] = m[i+1]
		}
		return route.action, params, true
	}
	return nil, nil, false
}

// MatchPath reports whether any route matches the path under any method.
// The web server uses it to answer OPTIONS preflights.
func (r *ActionRegistry) MatchPath(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, route := range r.routes {
		if route.pattern.MatchString(path) {
			return true
		}
	}
	return false
}

// Recurring returns every action with a recurring task binding, in name
// order so scheduler startup enqueues deterministically.
func (r *ActionRegistry) Recurring() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var recurring []*Action
	for _, action := range r.actions {
		if action.Recurring() {
			recurring = append(recurring, action)
		}
	}
	sort.Slice(recurring, func(i, j int) bool {
		return recurring[i].Name < recurring[j].Name
	})
	return recurring
}

// Names returns all registered action names, sorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered actions.
func (r *ActionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}

var routeParamPattern = regexp.MustCompile(`:([^/]+)`)

// compileRoute turns "/user/:id" into ^/user/([^/]+)$ remembering the
// placeholder names in order.
func compileRoute(action *Action) (*compiledRoute, error) {
	var paramNames []string
	escaped := regexp.QuoteMeta(action.Web.Route)

	// QuoteMeta leaves ':' and '/' untouched, so placeholders survive.
	pattern := routeParamPattern.ReplaceAllStringFunc(escaped, func(m string) string {
		paramNames = append(paramNames, strings.TrimPrefix(m, ":"))
		return `([^/]+)`
	})

	re, err := regexp.Compile("^" + pattern + "$")
	if err != nil {
		return nil, WrapError(KindActionValidation,
			fmt.Sprintf("action %s has an uncompilable route %q", action.Name, action.Web.Route), err)
	}

	return &compiledRoute{
		action:     action,
		method:     action.Web.Method,
		pattern:    re,
		paramNames: paramNames,
	}, nil
}
