package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionType identifies the transport a connection arrived on.
type ConnectionType string

const (
	ConnectionWeb       ConnectionType = "web"
	ConnectionWebSocket ConnectionType = "websocket"
	ConnectionJob       ConnectionType = "job"
	ConnectionCLI       ConnectionType = "cli"
	ConnectionMCP       ConnectionType = "mcp"
)

// PubSubMessage is the unit carried on the process-wide Redis channel and
// delivered to subscribed connections.
type PubSubMessage struct {
	Channel string      `json:"channel"`
	Message interface{} `json:"message"`
	Sender  string      `json:"sender"`
}

// RateLimitInfo is attached to a connection after the rate limiter admits a
// dispatch so the response layer can emit the X-RateLimit-* headers.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   int64 // unix milliseconds
}

// Connection is the per-client object every transport creates before invoking
// the dispatcher. Web connections live for one request; websocket connections
// live until the socket closes; job and cli connections are transient.
//
// The session field is a value, not a pointer: the session record already
// carries the connection id, and keeping a copy here avoids a reference cycle
// between the two.
type Connection struct {
	ID          string
	Type        ConnectionType
	Identifier  string
	ConnectedAt time.Time

	mu            sync.RWMutex
	subscriptions map[string]struct{}
	session       Session
	sessionLoaded bool
	rateLimit     RateLimitInfo
	rateLimited   bool
	sink          func(msg PubSubMessage) error
	destroyFns    []func()

	destroyOnce sync.Once
}

// NewConnection creates a connection. An empty id gets a fresh UUID; web
// transports pass the incoming session cookie value to keep identity stable
// across requests.
func NewConnection(connType ConnectionType, identifier, id string) *Connection {
	if id == "" {
		id = uuid.New().String()
	}
	return &Connection{
		ID:            id,
		Type:          connType,
		Identifier:    identifier,
		ConnectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
	}
}

// AddSubscription records a channel subscription. The channel registry is the
// only caller; it runs authorization before this point.
func (c *Connection) AddSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[channel] = struct{}{}
}

// RemoveSubscription drops a channel subscription.
func (c *Connection) RemoveSubscription(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, channel)
}

// IsSubscribed reports whether the connection is subscribed to a channel.
func (c *Connection) IsSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// Subscriptions returns a copy of the subscribed channel names.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.subscriptions))
	for name := range c.subscriptions {
		channels = append(channels, name)
	}
	return channels
}

// Session returns the loaded session. ok is false until the dispatcher (or a
// transport) has loaded one for this connection.
func (c *Connection) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.sessionLoaded
}

// SetSession caches the loaded session on the connection.
func (c *Connection) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.sessionLoaded = true
}

// ClearSession forgets the cached session, forcing the next dispatch to load
// it again.
func (c *Connection) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = Session{}
	c.sessionLoaded = false
}

// Authenticated reports whether the cached session carries a truthy userId.
func (c *Connection) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionLoaded && c.session.Authenticated()
}

// SetRateLimit attaches the current window's rate-limit counters.
func (c *Connection) SetRateLimit(info RateLimitInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimit = info
	c.rateLimited = true
}

// RateLimit returns the attached rate-limit counters, if any.
func (c *Connection) RateLimit() (RateLimitInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit, c.rateLimited
}

// SetMessageSink installs the function used to deliver broadcast payloads to
// this connection. Realtime transports set it; request-scoped connections
// leave it unset and broadcasts pass them by.
func (c *Connection) SetMessageSink(fn func(msg PubSubMessage) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = fn
}

// DeliverBroadcast hands a pub/sub payload to the connection's sink. A
// connection without a sink silently ignores the payload.
func (c *Connection) DeliverBroadcast(msg PubSubMessage) error {
	c.mu.RLock()
	sink := c.sink
	c.mu.RUnlock()
	if sink == nil {
		return nil
	}
	return sink(msg)
}

// OnDestroy registers a cleanup callback. Callbacks run once, in reverse
// registration order, when Destroy is called.
func (c *Connection) OnDestroy(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyFns = append(c.destroyFns, fn)
}

// Destroy tears the connection down: presence and registry cleanup happen in
// the registered callbacks. Safe to call more than once.
func (c *Connection) Destroy() {
	c.destroyOnce.Do(func() {
		c.mu.Lock()
		fns := c.destroyFns
		c.destroyFns = nil
		c.mu.Unlock()

		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}
