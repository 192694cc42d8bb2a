// Package pubsub carries broadcasts between processes over a single Redis
// channel and fans them out to locally subscribed connections. It also owns
// channel definitions, subscription authorization, and presence.
package pubsub

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/keryx-io/keryx/core"
)

// ChannelMiddleware hooks the subscription lifecycle. RunBefore gates
// subscribe; RunAfter observes unsubscribe and cannot fail it.
type ChannelMiddleware struct {
	Name     string
	Priority int

	RunBefore func(ctx context.Context, channel string, conn *core.Connection) error
	RunAfter  func(ctx context.Context, channel string, conn *core.Connection) error
}

// Channel declares a subscribable channel: either an exact Name or a Pattern,
// never both. Channels without a definition are open: anyone may subscribe
// and presence keys default to the connection id.
type Channel struct {
	Name        string
	Pattern     *regexp.Regexp
	Description string

	Middleware []*ChannelMiddleware

	// PresenceKey derives the presence identity for a connection, e.g. a
	// user id. Nil means the connection id.
	PresenceKey func(conn *core.Connection) string

	// Authorize runs after middleware and accepts or rejects the
	// subscription. Nil means allowed.
	Authorize func(ctx context.Context, conn *core.Connection, channel string) (bool, error)
}

// Validate checks the definition at registration time.
func (c *Channel) Validate() error {
	if c.Name == "" && c.Pattern == nil {
		return core.NewTypedError(core.KindInitializerValidation,
			"channel requires a name or a pattern")
	}
	if c.Name != "" && c.Pattern != nil {
		return core.NewTypedError(core.KindInitializerValidation,
			fmt.Sprintf("channel %s declares both a name and a pattern", c.Name))
	}
	return nil
}

func (c *Channel) presenceKeyFor(conn *core.Connection) string {
	if c != nil && c.PresenceKey != nil {
		return c.PresenceKey(conn)
	}
	return conn.ID
}

func (c *Channel) sortedMiddleware() []*ChannelMiddleware {
	if c == nil || len(c.Middleware) == 0 {
		return nil
	}
	chain := make([]*ChannelMiddleware, len(c.Middleware))
	copy(chain, c.Middleware)
	sort.SliceStable(chain, func(i, j int) bool {
		return chain[i].Priority < chain[j].Priority
	})
	return chain
}

// ChannelRegistry resolves channel names to definitions. Exact names win;
// pattern channels are consulted in registration order.
type ChannelRegistry struct {
	mu       sync.RWMutex
	exact    map[string]*Channel
	patterns []*Channel
	logger   core.Logger
}

func NewChannelRegistry(logger core.Logger) *ChannelRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/channels")
	}
	return &ChannelRegistry{
		exact:  make(map[string]*Channel),
		logger: logger,
	}
}

// Register adds a definition. Definitions load at startup, before traffic.
func (r *ChannelRegistry) Register(ch *Channel) error {
	if err := ch.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ch.Name != "" {
		if _, exists := r.exact[ch.Name]; exists {
			return core.NewTypedError(core.KindInitializerValidation,
				fmt.Sprintf("channel %s is already registered", ch.Name))
		}
		r.exact[ch.Name] = ch
		r.logger.Debug("Channel registered", map[string]interface{}{
			"channel": ch.Name,
		})
		return nil
	}

	r.patterns = append(r.patterns, ch)
	r.logger.Debug("Channel pattern registered", map[string]interface{}{
		"pattern": ch.Pattern.String(),
	})
	return nil
}

// Find resolves a channel name. Nil means the channel is undefined and
// therefore open.
func (r *ChannelRegistry) Find(name string) *Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ch, ok := r.exact[name]; ok {
		return ch
	}
	for _, ch := range r.patterns {
		if ch.Pattern.MatchString(name) {
			return ch
		}
	}
	return nil
}

// Names returns the registered exact channel names, sorted.
func (r *ChannelRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.exact))
	for name := range r.exact {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SessionChannelMiddleware rejects subscriptions from connections without an
// authenticated session. Attach it to channels that carry user data.
func SessionChannelMiddleware() *ChannelMiddleware {
	return &ChannelMiddleware{
		Name:     "session",
		Priority: 100,
		RunBefore: func(ctx context.Context, channel string, conn *core.Connection) error {
			if !conn.Authenticated() {
				return core.NewTypedError(core.KindSessionNotFound,
					"a session is required")
			}
			return nil
		},
	}
}
