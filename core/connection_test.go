package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnection(t *testing.T) {
	t.Run("generates uuid when id is empty", func(t *testing.T) {
		conn := NewConnection(ConnectionWeb, "10.0.0.1", "")
		assert.Len(t, conn.ID, 36)
		assert.Equal(t, ConnectionWeb, conn.Type)
		assert.Equal(t, "10.0.0.1", conn.Identifier)
		assert.False(t, conn.ConnectedAt.IsZero())
	})

	t.Run("keeps cookie-provided id", func(t *testing.T) {
		conn := NewConnection(ConnectionWeb, "10.0.0.1", "cookie-id")
		assert.Equal(t, "cookie-id", conn.ID)
	})
}

func TestConnectionSubscriptions(t *testing.T) {
	conn := NewConnection(ConnectionWebSocket, "10.0.0.1", "")

	assert.False(t, conn.IsSubscribed("messages"))
	assert.Empty(t, conn.Subscriptions())

	conn.AddSubscription("messages")
	conn.AddSubscription("alerts")
	assert.True(t, conn.IsSubscribed("messages"))
	assert.ElementsMatch(t, []string{"messages", "alerts"}, conn.Subscriptions())

	conn.RemoveSubscription("messages")
	assert.False(t, conn.IsSubscribed("messages"))
	assert.ElementsMatch(t, []string{"alerts"}, conn.Subscriptions())
}

func TestConnectionSession(t *testing.T) {
	conn := NewConnection(ConnectionWeb, "10.0.0.1", "")

	_, loaded := conn.Session()
	assert.False(t, loaded)
	assert.False(t, conn.Authenticated())

	conn.SetSession(Session{ID: conn.ID, Data: map[string]interface{}{"userId": 7}})
	sess, loaded := conn.Session()
	assert.True(t, loaded)
	assert.Equal(t, conn.ID, sess.ID)
	assert.True(t, conn.Authenticated())

	conn.ClearSession()
	_, loaded = conn.Session()
	assert.False(t, loaded)
}

func TestConnectionBroadcastSink(t *testing.T) {
	conn := NewConnection(ConnectionWebSocket, "10.0.0.1", "")
	msg := PubSubMessage{Channel: "messages", Message: "hi", Sender: "tester"}

	// No sink installed: delivery is a no-op.
	require.NoError(t, conn.DeliverBroadcast(msg))

	var got []PubSubMessage
	conn.SetMessageSink(func(m PubSubMessage) error {
		got = append(got, m)
		return nil
	})

	require.NoError(t, conn.DeliverBroadcast(msg))
	require.Len(t, got, 1)
	assert.Equal(t, "messages", got[0].Channel)
	assert.Equal(t, "tester", got[0].Sender)
}

func TestConnectionDestroy(t *testing.T) {
	conn := NewConnection(ConnectionWebSocket, "10.0.0.1", "")

	var order []string
	conn.OnDestroy(func() { order = append(order, "first") })
	conn.OnDestroy(func() { order = append(order, "second") })

	conn.Destroy()
	conn.Destroy() // second call is a no-op

	assert.Equal(t, []string{"second", "first"}, order,
		"callbacks run once, in reverse registration order")
}

func TestConnectionRegistry(t *testing.T) {
	reg := NewConnectionRegistry(&NoOpLogger{})

	a := NewConnection(ConnectionWeb, "10.0.0.1", "a")
	b := NewConnection(ConnectionWebSocket, "10.0.0.2", "b")
	c := NewConnection(ConnectionJob, "internal", "c")

	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))
	require.NoError(t, reg.Add(c))
	assert.Equal(t, 3, reg.Count())

	t.Run("duplicate ids are rejected", func(t *testing.T) {
		err := reg.Add(NewConnection(ConnectionWeb, "10.0.0.9", "a"))
		require.Error(t, err)
		assert.Equal(t, KindServerInitialization, KindOf(err))
	})

	t.Run("lookup", func(t *testing.T) {
		got, ok := reg.Get("b")
		require.True(t, ok)
		assert.Same(t, b, got)

		_, ok = reg.Get("missing")
		assert.False(t, ok)

		got, ok = reg.Find(ConnectionWebSocket, "10.0.0.2", "b")
		require.True(t, ok)
		assert.Same(t, b, got)

		_, ok = reg.Find(ConnectionWeb, "10.0.0.2", "b")
		assert.False(t, ok, "type mismatch must not match")
	})

	t.Run("iteration preserves insertion order", func(t *testing.T) {
		var ids []string
		reg.Each(func(conn *Connection) bool {
			ids = append(ids, conn.ID)
			return true
		})
		assert.Equal(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("early stop", func(t *testing.T) {
		var ids []string
		reg.Each(func(conn *Connection) bool {
			ids = append(ids, conn.ID)
			return false
		})
		assert.Equal(t, []string{"a"}, ids)
	})

	t.Run("removal keeps order and index consistent", func(t *testing.T) {
		assert.True(t, reg.Remove("b"))
		assert.False(t, reg.Remove("b"))
		assert.Equal(t, 2, reg.Count())

		var ids []string
		reg.Each(func(conn *Connection) bool {
			ids = append(ids, conn.ID)
			return true
		})
		assert.Equal(t, []string{"a", "c"}, ids)

		got, ok := reg.Get("c")
		require.True(t, ok)
		assert.Same(t, c, got)
	})
}
