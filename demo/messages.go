package demo

import (
	"context"
	"fmt"

	"github.com/keryx-io/keryx"
	"github.com/keryx-io/keryx/core"
	"github.com/keryx-io/keryx/pubsub"
)

// MessagesChannelName is the chat channel every demo client talks on.
const MessagesChannelName = "messages"

// MessagesChannel is protected: only signed-in connections may subscribe.
// Presence is counted per user, so one person with three tabs open still
// shows up once.
func MessagesChannel() *pubsub.Channel {
	return &pubsub.Channel{
		Name:        MessagesChannelName,
		Description: "chat between signed-in users",
		Middleware: []*pubsub.ChannelMiddleware{
			pubsub.SessionChannelMiddleware(),
		},
		PresenceKey: func(conn *core.Connection) string {
			if sess, ok := conn.Session(); ok {
				if id, ok := sess.UserID(); ok {
					return fmt.Sprintf("user:%v", id)
				}
			}
			return conn.ID
		},
	}
}

// CreateMessageAction broadcasts a chat line on the messages channel. The
// sender must hold a session and be subscribed; both are enforced before the
// payload goes out.
func CreateMessageAction(app *keryx.App) *core.Action {
	return &core.Action{
		Name:        "message:create",
		Description: "say something on the messages channel",
		Inputs: map[string]*core.Input{
			"body": {
				Type:      core.InputString,
				Required:  true,
				MinLength: 1,
			},
		},
		Middleware: []*core.ActionMiddleware{
			core.SessionMiddleware(),
		},
		Run: func(ctx context.Context, params core.ActionParams, conn *core.Connection) (interface{}, error) {
			if app.Bus == nil {
				return nil, core.NewTypedError(core.KindServerStart,
					"pub/sub bus is not running")
			}

			sess, _ := conn.Session()
			payload := map[string]interface{}{
				"message": map[string]interface{}{
					"body":      params.GetString("body"),
					"user_name": sess.GetString("userName"),
				},
			}
			if err := app.Bus.BroadcastFrom(ctx, conn, MessagesChannelName, payload); err != nil {
				return nil, err
			}
			return map[string]interface{}{"sent": true}, nil
		},
	}
}
