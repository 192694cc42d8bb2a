package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Session is the Redis-persisted record bound to a connection id through the
// session cookie. It is a value type; connections cache a copy rather than a
// pointer.
type Session struct {
	ID         string                 `json:"id"`
	CookieName string                 `json:"cookieName"`
	CreatedAt  int64                  `json:"createdAt"` // unix milliseconds
	Data       map[string]interface{} `json:"data"`
}

// UserID returns the session's userId entry. ok is false when the entry is
// absent or falsy.
func (s Session) UserID() (interface{}, bool) {
	v, exists := s.Data["userId"]
	if !exists || !truthy(v) {
		return nil, false
	}
	return v, true
}

// Authenticated reports whether the session carries a truthy userId.
func (s Session) Authenticated() bool {
	_, ok := s.UserID()
	return ok
}

// Get returns a typed view of one data entry.
func (s Session) Get(key string) (interface{}, bool) {
	v, ok := s.Data[key]
	return v, ok
}

// GetString returns a data entry as a string, or "" when absent or not a
// string.
func (s Session) GetString(key string) string {
	if v, ok := s.Data[key].(string); ok {
		return v
	}
	return ""
}

// truthy mirrors the loose authentication check applied to session values:
// nil, false, zero numbers and empty strings do not count.
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case json.Number:
		return val.String() != "0" && val.String() != ""
	default:
		return true
	}
}

// SessionStore persists sessions in Redis under session:<connectionId> with a
// sliding TTL. Loading or updating a record extends its lifetime.
type SessionStore struct {
	redis  *RedisClient
	config SessionConfig
	logger Logger
}

// NewSessionStore creates a session store.
func NewSessionStore(redisClient *RedisClient, config SessionConfig, logger Logger) *SessionStore {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		logger = cal.WithComponent("framework/session")
	}
	return &SessionStore{
		redis:  redisClient,
		config: config,
		logger: logger,
	}
}

func (s *SessionStore) key(id string) string {
	return SessionKeyPrefix + id
}

// Create stores a fresh session for the connection and returns it. A nil data
// map becomes an empty one.
func (s *SessionStore) Create(ctx context.Context, conn *Connection, data map[string]interface{}) (Session, error) {
	if data == nil {
		data = make(map[string]interface{})
	}

	sess := Session{
		ID:         conn.ID,
		CookieName: s.config.CookieName,
		CreatedAt:  time.Now().UnixMilli(),
		Data:       data,
	}

	if err := s.write(ctx, sess); err != nil {
		return Session{}, err
	}

	s.logger.Debug("Session created", map[string]interface{}{
		"session_id": sess.ID,
		"ttl":        s.config.TTL,
	})
	return sess, nil
}

// Load fetches the session for the connection. found is false when no record
// exists. A hit refreshes the TTL.
func (s *SessionStore) Load(ctx context.Context, conn *Connection) (Session, bool, error) {
	raw, err := s.redis.Get(ctx, s.key(conn.ID))
	if err == redis.Nil {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, WrapError(KindRedisConnection, "failed to load session", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return Session{}, false, WrapError(KindSessionNotFound, "failed to decode session record", err)
	}
	if sess.Data == nil {
		sess.Data = make(map[string]interface{})
	}

	if err := s.redis.Expire(ctx, s.key(conn.ID), s.config.TTLDuration()); err != nil {
		return Session{}, false, WrapError(KindRedisConnection, "failed to refresh session ttl", err)
	}
	return sess, true, nil
}

// Update merges patch into the session data (patch keys overwrite), rewrites
// the record and refreshes the TTL. Returns the merged session.
func (s *SessionStore) Update(ctx context.Context, sess Session, patch map[string]interface{}) (Session, error) {
	if sess.Data == nil {
		sess.Data = make(map[string]interface{})
	}
	for k, v := range patch {
		sess.Data[k] = v
	}

	if err := s.write(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Destroy deletes the session record. Returns true iff a record existed.
func (s *SessionStore) Destroy(ctx context.Context, conn *Connection) (bool, error) {
	n, err := s.redis.Client().Del(ctx, s.key(conn.ID)).Result()
	if err != nil {
		return false, WrapError(KindRedisConnection, "failed to destroy session", err)
	}

	s.logger.Debug("Session destroyed", map[string]interface{}{
		"session_id": conn.ID,
		"existed":    n > 0,
	})
	return n > 0, nil
}

func (s *SessionStore) write(ctx context.Context, sess Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return WrapError(KindSessionNotFound, "failed to encode session record", err)
	}
	if err := s.redis.Set(ctx, s.key(sess.ID), payload, s.config.TTLDuration()); err != nil {
		return WrapError(KindRedisConnection, "failed to store session", err)
	}
	return nil
}
