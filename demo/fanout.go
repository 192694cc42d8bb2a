package demo

import (
	"context"

	"github.com/keryx-io/keryx/core"
)

// FanOutChildAction processes one item of a fan-out batch. Workers record
// each result into the batch's aggregate automatically.
func FanOutChildAction() *core.Action {
	return &core.Action{
		Name:        "fanout:child",
		Description: "process one fan-out work item",
		Task:        &core.TaskBinding{Queue: "default"},
		Inputs: map[string]*core.Input{
			"itemId": {
				Type:     core.InputString,
				Required: true,
			},
		},
		Run: func(ctx context.Context, params core.ActionParams, conn *core.Connection) (interface{}, error) {
			return map[string]interface{}{
				"processed": params.GetString("itemId"),
			}, nil
		},
	}
}
