package pubsub

import (
	"context"
	"sync"
	"time"

	"github.com/keryx-io/keryx/core"
)

const presenceKeyPrefix = "presence:"

func presenceSetKey(channel string) string {
	return presenceKeyPrefix + channel
}

func presenceCompanionKey(channel, key string) string {
	return presenceKeyPrefix + channel + ":" + key
}

// Presence tracks who is on a channel, in two places at once: a local map
// (channel, presence key, connection ids) for join/leave edge detection, and
// a shared Redis set per channel with a TTL companion key per member. The
// companion is the liveness signal: a process that dies without cleaning up
// stops refreshing it, and the sweep reaps the member within presenceTTL.
type Presence struct {
	redis     *core.RedisClient
	config    core.PresenceConfig
	logger    core.Logger
	processID string

	// onLeave emits the leave broadcast for members reaped by the sweep.
	// Wired by the bus.
	onLeave func(channel, key string)

	// channelLister names the defined channels so the sweep also covers
	// channels with no local members. Wired by the bus.
	channelLister func() []string

	mu    sync.Mutex
	local map[string]map[string]map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPresence(redisClient *core.RedisClient, config core.PresenceConfig, processID string, logger core.Logger) *Presence {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/presence")
	}
	return &Presence{
		redis:     redisClient,
		config:    config,
		logger:    logger,
		processID: processID,
		local:     make(map[string]map[string]map[string]struct{}),
	}
}

// Join records a connection under its presence key. first is true when the
// key's local set transitioned empty to nonempty, which is the only moment a
// join event should broadcast.
func (p *Presence) Join(ctx context.Context, channel, key, connID string) (bool, error) {
	p.mu.Lock()
	byKey := p.local[channel]
	if byKey == nil {
		byKey = make(map[string]map[string]struct{})
		p.local[channel] = byKey
	}
	conns := byKey[key]
	if conns == nil {
		conns = make(map[string]struct{})
		byKey[key] = conns
	}
	wasEmpty := len(conns) == 0
	conns[connID] = struct{}{}
	p.mu.Unlock()

	if !wasEmpty {
		return false, nil
	}

	pipe := p.redis.Client().TxPipeline()
	pipe.SAdd(ctx, presenceSetKey(channel), key)
	pipe.Set(ctx, presenceCompanionKey(channel, key), p.processID, p.config.TTLDuration())
	if _, err := pipe.Exec(ctx); err != nil {
		return true, core.WrapError(core.KindRedisConnection,
			"presence join write failed", err)
	}
	return true, nil
}

// Leave removes a connection from its presence key. last is true when the
// key's local set emptied, which is the only moment a leave event should
// broadcast.
func (p *Presence) Leave(ctx context.Context, channel, key, connID string) (bool, error) {
	p.mu.Lock()
	conns := p.local[channel][key]
	delete(conns, connID)
	last := conns != nil && len(conns) == 0
	if last {
		delete(p.local[channel], key)
		if len(p.local[channel]) == 0 {
			delete(p.local, channel)
		}
	}
	p.mu.Unlock()

	if !last {
		return false, nil
	}

	pipe := p.redis.Client().TxPipeline()
	pipe.SRem(ctx, presenceSetKey(channel), key)
	pipe.Del(ctx, presenceCompanionKey(channel, key))
	if _, err := pipe.Exec(ctx); err != nil {
		return true, core.WrapError(core.KindRedisConnection,
			"presence leave write failed", err)
	}
	return true, nil
}

// Members returns the shared member set for a channel, cluster-wide.
func (p *Presence) Members(ctx context.Context, channel string) ([]string, error) {
	members, err := p.redis.SMembers(ctx, presenceSetKey(channel))
	if err != nil {
		return nil, core.WrapError(core.KindRedisConnection,
			"presence read failed", err)
	}
	return members, nil
}

// Start launches the heartbeat: every beat refreshes this process's companion
// keys and sweeps expired members out of the shared sets.
func (p *Presence) Start(ctx context.Context) {
	hbCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.heartbeatLoop(hbCtx)
}

// Stop halts the heartbeat and waits for the loop to exit.
func (p *Presence) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
}

func (p *Presence) heartbeatLoop(ctx context.Context) {
	defer close(p.done)

	interval := p.config.HeartbeatDuration()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
			p.sweep(ctx)
		}
	}
}

type presenceEntry struct {
	channel string
	key     string
}

// refresh re-sets every companion key this process has local members for.
// SET rather than EXPIRE, so a key that expired between beats is recreated.
func (p *Presence) refresh(ctx context.Context) {
	for _, entry := range p.ownedEntries() {
		err := p.redis.Set(ctx, presenceCompanionKey(entry.channel, entry.key),
			p.processID, p.config.TTLDuration())
		if err != nil {
			p.logger.Warn("Presence refresh failed", map[string]interface{}{
				"channel": entry.channel,
				"key":     entry.key,
				"error":   err.Error(),
			})
		}
	}
}

func (p *Presence) ownedEntries() []presenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var entries []presenceEntry
	for channel, byKey := range p.local {
		for key := range byKey {
			entries = append(entries, presenceEntry{channel: channel, key: key})
		}
	}
	return entries
}

// sweep reconciles the shared sets: a member whose companion key is gone
// belongs to a dead process, so it is removed and its leave event broadcast.
func (p *Presence) sweep(ctx context.Context) {
	for _, channel := range p.sweepChannels() {
		members, err := p.redis.SMembers(ctx, presenceSetKey(channel))
		if err != nil {
			p.logger.Warn("Presence sweep read failed", map[string]interface{}{
				"channel": channel,
				"error":   err.Error(),
			})
			continue
		}
		for _, key := range members {
			n, err := p.redis.Exists(ctx, presenceCompanionKey(channel, key))
			if err != nil || n > 0 {
				continue
			}
			if err := p.redis.SRem(ctx, presenceSetKey(channel), key); err != nil {
				p.logger.Warn("Presence sweep remove failed", map[string]interface{}{
					"channel": channel,
					"key":     key,
					"error":   err.Error(),
				})
				continue
			}
			p.logger.Debug("Presence member expired", map[string]interface{}{
				"channel": channel,
				"key":     key,
			})
			if p.onLeave != nil {
				p.onLeave(channel, key)
			}
		}
	}
}

// sweepChannels unions defined channel names with locally active ones.
func (p *Presence) sweepChannels() []string {
	seen := make(map[string]struct{})
	var channels []string

	if p.channelLister != nil {
		for _, name := range p.channelLister() {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				channels = append(channels, name)
			}
		}
	}

	p.mu.Lock()
	for channel := range p.local {
		if _, dup := seen[channel]; !dup {
			seen[channel] = struct{}{}
			channels = append(channels, channel)
		}
	}
	p.mu.Unlock()

	return channels
}
