// Package demo is the sample application shipped with the framework: user
// registration and login, a protected chat channel, and a fan-out worker
// action. It exists to exercise every transport end to end and doubles as a
// template for real applications.
package demo

import (
	"context"
	"time"

	"github.com/keryx-io/keryx"
	"github.com/keryx-io/keryx/core"
)

// Install registers the demo actions and channels on the app and returns the
// user store so callers (and tests) can seed it.
func Install(app *keryx.App) (*UserStore, error) {
	users := NewUserStore()

	if err := app.RegisterChannel(MessagesChannel()); err != nil {
		return nil, err
	}
	if err := app.RegisterAction(
		StatusAction(app),
		CreateUserAction(users),
		CreateSessionAction(app, users),
		DestroySessionAction(app),
		CreateMessageAction(app),
		FanOutChildAction(),
	); err != nil {
		return nil, err
	}
	return users, nil
}

// StatusAction reports process identity and uptime at GET /status.
func StatusAction(app *keryx.App) *core.Action {
	started := time.Now()
	return &core.Action{
		Name:        "status",
		Description: "process identity, uptime and queue depths",
		Web:         &core.WebBinding{Route: "/status", Method: "GET"},
		Run: func(ctx context.Context, params core.ActionParams, conn *core.Connection) (interface{}, error) {
			status := map[string]interface{}{
				"status":      "ok",
				"name":        app.Config.Process.Name,
				"processId":   app.Config.Process.ID,
				"environment": app.Config.Environment,
				"version":     keryx.Version,
				"uptimeMs":    time.Since(started).Milliseconds(),
			}

			if app.Queue != nil {
				queues := map[string]int64{}
				names, err := app.Queue.Queues(ctx)
				if err != nil {
					return nil, err
				}
				for _, name := range names {
					length, err := app.Queue.QueueLength(ctx, name)
					if err != nil {
						return nil, err
					}
					queues[name] = length
				}
				status["queues"] = queues
			}
			return status, nil
		},
	}
}
