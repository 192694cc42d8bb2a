package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keryx-io/keryx/core"
)

const (
	pubSubChannelPrefix = "keryx:pubsub:"

	// DefaultSender identifies broadcasts published without an explicit
	// sender.
	DefaultSender = "unknown-sender"

	// PresenceSender identifies the join/leave events the framework emits.
	PresenceSender = "presence"

	reconnectBaseBackoff = 1 * time.Second
	reconnectMaxBackoff  = 5 * time.Minute
)

// MessageForwarder receives every broadcast this process delivers locally.
// An MCP bridge is the expected implementation; the framework only calls the
// interface.
type MessageForwarder interface {
	Forward(ctx context.Context, msg core.PubSubMessage) error
}

// BusOptions collects the collaborators a Bus needs. Forwarder and Telemetry
// may be nil.
type BusOptions struct {
	Redis       *core.RedisClient
	Sessions    *core.SessionStore
	Connections *core.ConnectionRegistry
	Channels    *ChannelRegistry
	Config      *core.Config
	Logger      core.Logger
	Telemetry   core.Telemetry
	Forwarder   MessageForwarder
}

// Bus publishes broadcasts to the cluster and fans incoming ones out to the
// local connections subscribed to their channel. One Redis channel per
// cluster carries everything; the channel name is derived from the process
// name so separate clusters sharing a Redis stay separate.
type Bus struct {
	redis       *core.RedisClient
	sessions    *core.SessionStore
	connections *core.ConnectionRegistry
	channels    *ChannelRegistry
	config      *core.Config
	logger      core.Logger
	telemetry   core.Telemetry
	forwarder   MessageForwarder

	presence    *Presence
	channelName string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewBus(opts BusOptions) (*Bus, error) {
	if opts.Redis == nil || opts.Connections == nil || opts.Channels == nil || opts.Config == nil {
		return nil, core.NewTypedError(core.KindServerInitialization,
			"pubsub bus requires redis, a connection registry, a channel registry and a config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/pubsub")
	}
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	b := &Bus{
		redis:       opts.Redis,
		sessions:    opts.Sessions,
		connections: opts.Connections,
		channels:    opts.Channels,
		config:      opts.Config,
		logger:      logger,
		telemetry:   telemetry,
		forwarder:   opts.Forwarder,
		channelName: pubSubChannelPrefix + opts.Config.Process.Name,
	}
	b.presence = NewPresence(opts.Redis, opts.Config.Presence, opts.Config.Process.ID, logger)
	b.presence.channelLister = opts.Channels.Names
	b.presence.onLeave = func(channel, key string) {
		b.broadcastPresence(context.Background(), channel, "leave", key)
	}
	return b, nil
}

// Presence exposes the presence tracker, mainly for Members queries.
func (b *Bus) Presence() *Presence {
	return b.presence
}

// Start subscribes to the cluster channel, confirms the subscription, then
// receives on a background goroutine. The presence heartbeat starts with it.
func (b *Bus) Start(ctx context.Context) error {
	ps := b.redis.Subscribe(ctx, b.channelName)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return core.WrapError(core.KindServerStart,
			fmt.Sprintf("cannot subscribe to %s", b.channelName), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	b.logger.Info("Pub/sub receiver started", map[string]interface{}{
		"channel": b.channelName,
	})

	go b.receiveLoop(loopCtx, ps)
	b.presence.Start(loopCtx)
	return nil
}

// Stop halts the receiver and the presence heartbeat.
func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	b.presence.Stop()

	select {
	case <-done:
	case <-ctx.Done():
		return core.WrapError(core.KindServerStop,
			"pubsub receiver did not stop in time", ctx.Err())
	}
	return nil
}

// receiveLoop drains the subscription and reconnects with exponential backoff
// after failures. It never aborts: pub/sub outages degrade delivery, not the
// process.
func (b *Bus) receiveLoop(ctx context.Context, ps *redis.PubSub) {
	defer close(b.done)

	backoff := reconnectBaseBackoff
	for {
		if ps != nil {
			b.drain(ctx, ps)
			ps.Close()
			ps = nil
		}
		if ctx.Err() != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		next := b.redis.Subscribe(ctx, b.channelName)
		if _, err := next.Receive(ctx); err != nil {
			next.Close()
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("Pub/sub resubscribe failed", map[string]interface{}{
				"channel": b.channelName,
				"backoff": backoff.String(),
				"error":   err.Error(),
			})
			backoff *= 2
			if backoff > reconnectMaxBackoff {
				backoff = reconnectMaxBackoff
			}
			continue
		}

		b.logger.Info("Pub/sub receiver reconnected", map[string]interface{}{
			"channel": b.channelName,
		})
		backoff = reconnectBaseBackoff
		ps = next
	}
}

func (b *Bus) drain(ctx context.Context, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				b.logger.Warn("Pub/sub subscription dropped", map[string]interface{}{
					"channel": b.channelName,
				})
				return
			}
			b.handlePayload(ctx, []byte(m.Payload))
		}
	}
}

// handlePayload decodes one wire message and fans it out. Malformed payloads
// are logged and dropped.
func (b *Bus) handlePayload(ctx context.Context, payload []byte) {
	var msg core.PubSubMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn("Dropping malformed pub/sub payload", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	b.deliver(ctx, msg)
}

// deliver walks the local registry in insertion order and hands the message
// to every connection subscribed to its channel. Sink errors only affect the
// failing connection.
func (b *Bus) deliver(ctx context.Context, msg core.PubSubMessage) {
	delivered := 0
	b.connections.Each(func(conn *core.Connection) bool {
		if !conn.IsSubscribed(msg.Channel) {
			return true
		}
		if err := conn.DeliverBroadcast(msg); err != nil {
			b.logger.Debug("Broadcast delivery failed", map[string]interface{}{
				"connection_id": conn.ID,
				"channel":       msg.Channel,
				"error":         err.Error(),
			})
		} else {
			delivered++
		}
		return true
	})

	if b.forwarder != nil {
		if err := b.forwarder.Forward(ctx, msg); err != nil {
			b.logger.Debug("Broadcast forward failed", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}

	b.telemetry.RecordMetric("pubsub.delivered", float64(delivered),
		map[string]string{"channel": msg.Channel})
}

// Broadcast publishes a message to a channel, cluster-wide. An empty sender
// is recorded as the default sender.
func (b *Bus) Broadcast(ctx context.Context, channel string, message interface{}, sender string) error {
	if sender == "" {
		sender = DefaultSender
	}
	payload, err := json.Marshal(core.PubSubMessage{
		Channel: channel,
		Message: message,
		Sender:  sender,
	})
	if err != nil {
		return core.WrapError(core.KindActionRun, "cannot serialize broadcast", err)
	}
	if _, err := b.redis.Publish(ctx, b.channelName, payload); err != nil {
		return core.WrapError(core.KindRedisConnection, "broadcast publish failed", err)
	}
	return nil
}

// BroadcastFrom publishes on behalf of a connection, which must itself be
// subscribed to the channel.
func (b *Bus) BroadcastFrom(ctx context.Context, conn *core.Connection, channel string, message interface{}) error {
	if !conn.IsSubscribed(channel) {
		return core.NewTypedError(core.KindConnectionNotSubscribed,
			fmt.Sprintf("connection is not subscribed to %s", channel))
	}
	return b.Broadcast(ctx, channel, message, conn.ID)
}

// Subscribe authorizes and records a channel subscription, adding presence.
// Subscribing twice to the same channel reports success without side effects.
func (b *Bus) Subscribe(ctx context.Context, conn *core.Connection, channel string) error {
	if conn.IsSubscribed(channel) {
		return nil
	}
	if err := b.ensureSession(ctx, conn); err != nil {
		return core.EnsureTyped(err)
	}

	def := b.channels.Find(channel)
	for _, mw := range def.sortedMiddleware() {
		if mw.RunBefore == nil {
			continue
		}
		if err := mw.RunBefore(ctx, channel, conn); err != nil {
			return core.EnsureTyped(err)
		}
	}
	if def != nil && def.Authorize != nil {
		allowed, err := def.Authorize(ctx, conn, channel)
		if err != nil {
			return core.WrapError(core.KindChannelAuthorization,
				fmt.Sprintf("authorization for %s failed", channel), err)
		}
		if !allowed {
			return core.NewTypedError(core.KindChannelAuthorization,
				fmt.Sprintf("subscription to %s denied", channel))
		}
	}

	conn.AddSubscription(channel)

	key := def.presenceKeyFor(conn)
	first, err := b.presence.Join(ctx, channel, key, conn.ID)
	if err != nil {
		b.logger.Warn("Presence join failed", map[string]interface{}{
			"channel": channel,
			"key":     key,
			"error":   err.Error(),
		})
	}
	if first {
		b.broadcastPresence(ctx, channel, "join", key)
	}
	return nil
}

// Unsubscribe removes a subscription and its presence. Unsubscribing from a
// channel the connection is not on is a no-op. Middleware RunAfter errors are
// logged, never raised.
func (b *Bus) Unsubscribe(ctx context.Context, conn *core.Connection, channel string) error {
	if !conn.IsSubscribed(channel) {
		return nil
	}

	conn.RemoveSubscription(channel)

	def := b.channels.Find(channel)
	chain := def.sortedMiddleware()
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].RunAfter == nil {
			continue
		}
		if err := chain[i].RunAfter(ctx, channel, conn); err != nil {
			b.logger.Warn("Channel middleware RunAfter failed", map[string]interface{}{
				"channel":    channel,
				"middleware": chain[i].Name,
				"error":      err.Error(),
			})
		}
	}

	key := def.presenceKeyFor(conn)
	last, err := b.presence.Leave(ctx, channel, key, conn.ID)
	if err != nil {
		b.logger.Warn("Presence leave failed", map[string]interface{}{
			"channel": channel,
			"key":     key,
			"error":   err.Error(),
		})
	}
	if last {
		b.broadcastPresence(ctx, channel, "leave", key)
	}
	return nil
}

// Members lists the presence keys currently on a channel, cluster-wide.
func (b *Bus) Members(ctx context.Context, channel string) ([]string, error) {
	return b.presence.Members(ctx, channel)
}

func (b *Bus) broadcastPresence(ctx context.Context, channel, event, key string) {
	message := map[string]interface{}{
		"event":       event,
		"presenceKey": key,
	}
	if err := b.Broadcast(ctx, channel, message, PresenceSender); err != nil {
		b.logger.Warn("Presence broadcast failed", map[string]interface{}{
			"channel": channel,
			"event":   event,
			"error":   err.Error(),
		})
	}
}

// ensureSession mirrors the dispatcher's lazy load: channel middleware and
// authorize callbacks see the same session an action would.
func (b *Bus) ensureSession(ctx context.Context, conn *core.Connection) error {
	if b.sessions == nil {
		return nil
	}
	if _, loaded := conn.Session(); loaded {
		return nil
	}
	sess, found, err := b.sessions.Load(ctx, conn)
	if err != nil {
		return err
	}
	if !found {
		sess, err = b.sessions.Create(ctx, conn, nil)
		if err != nil {
			return err
		}
	}
	conn.SetSession(sess)
	return nil
}
