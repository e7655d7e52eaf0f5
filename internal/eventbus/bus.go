// Package eventbus moves small named events between the controller and the
// worker. Delivery is at-most-once; events with the same name are delivered in
// the order they were published by one sender, and no ordering holds across
// names.
package eventbus

import (
	"context"

	"github.com/pkg/errors"
)

// Event names.
const (
	// ConnectivityChanged carries a records.ConnectionStatus in Code.
	ConnectivityChanged = "connectivity-changed"
	// RecordsSent carries the number of newly uploaded records in Count.
	RecordsSent = "records-sent"
	// BacklogChanged carries the cached record count of Stream in Count.
	BacklogChanged = "backlog-changed"
)

// UnknownCount marks a backlog whose size could not be determined.
const UnknownCount int64 = -1

// Event is a named message with a small payload.
type Event struct {
	Name   string `cbor:"name" json:"name"`
	Code   int    `cbor:"code,omitempty" json:"code,omitempty"`
	Count  int64  `cbor:"count,omitempty" json:"count,omitempty"`
	Stream string `cbor:"stream,omitempty" json:"stream,omitempty"`
}

// Handler consumes events. Handlers run on the bus dispatch goroutine and
// must return quickly.
type Handler func(Event)

// Bus publishes and subscribes to events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers h for events named name and returns a function
	// that removes the subscription.
	Subscribe(name string, h Handler) (unsubscribe func())
	Close() error
}

var (
	// ErrClosed is returned when publishing on a closed bus.
	ErrClosed = errors.New("eventbus: closed")
	// ErrDropped is returned when an event could not be queued.
	ErrDropped = errors.New("eventbus: event dropped")
)

func validate(ev Event) error {
	if ev.Name == "" {
		return errors.New("eventbus: event without name")
	}
	return nil
}
