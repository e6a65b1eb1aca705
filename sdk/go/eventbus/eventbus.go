// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package eventbus provides the publish/subscribe channel over which
// agents report job returns and liveness answers, and over which the
// dispatcher announces batch lifecycle events.
package eventbus

import (
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus is closed")

// An Event is one message on the bus: an opaque tag plus a JSON-like
// payload. Tags embed job and agent identifiers in a fixed format, see
// JobReturnTag et al.
type Event struct {
	Tag  string                 `json:"tag"`
	Data map[string]interface{} `json:"data"`
}

// A Bus delivers every published event to every subscriber. Publishers
// never block on slow subscribers; a subscriber that falls more than a
// buffer's worth of events behind loses events.
type Bus interface {
	Publish(Event) error
	Subscribe() <-chan Event
	Unsubscribe(<-chan Event)
	Close() error
}

const tagPrefix = "fleetbatch"

// JobNewTag returns the tag announcing a new job to its target agents.
func JobNewTag(jobID string) string {
	return tagPrefix + "/job/" + jobID + "/new"
}

// JobReturnTag returns the tag an agent uses to publish its result for
// the given job.
func JobReturnTag(jobID, agentID string) string {
	return tagPrefix + "/job/" + jobID + "/ret/" + agentID
}

// ParseJobReturn extracts the job and agent identifiers from a job
// return tag. ok is false if tag is not a job return tag.
func ParseJobReturn(tag string) (jobID, agentID string, ok bool) {
	parts := strings.Split(tag, "/")
	if len(parts) != 5 || parts[0] != tagPrefix || parts[1] != "job" || parts[3] != "ret" || parts[2] == "" || parts[4] == "" {
		return "", "", false
	}
	return parts[2], parts[4], true
}

// BatchStartTag returns the tag announcing that a batch run has
// finished presence probing and started dispatching waves.
func BatchStartTag(batchJobID string) string {
	return tagPrefix + "/batch/" + batchJobID + "/start"
}

// BatchDoneTag returns the tag announcing the final agent partition of
// a batch run.
func BatchDoneTag(batchJobID string) string {
	return tagPrefix + "/batch/" + batchJobID + "/done"
}

const subscriberBuffer = 64

// MemBus is an in-process Bus. The zero value is not usable; call
// NewMemBus.
type MemBus struct {
	logger      logrus.FieldLogger
	subscribers map[<-chan Event]chan Event
	closed      bool
	mtx         sync.Mutex
}

// NewMemBus returns a Bus that delivers events within one process.
func NewMemBus(logger logrus.FieldLogger) *MemBus {
	return &MemBus{
		logger:      logger,
		subscribers: map[<-chan Event]chan Event{},
	}
}

// Publish delivers e to all current subscribers without blocking.
func (bus *MemBus) Publish(e Event) error {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	if bus.closed {
		return ErrBusClosed
	}
	for _, ch := range bus.subscribers {
		select {
		case ch <- e:
		default:
			bus.logger.WithField("Tag", e.Tag).Warn("dropping event for slow subscriber")
		}
	}
	return nil
}

// Subscribe returns a buffered channel that receives all subsequent
// events until Unsubscribe is called.
func (bus *MemBus) Subscribe() <-chan Event {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if bus.closed {
		close(ch)
		return ch
	}
	bus.subscribers[ch] = ch
	return ch
}

// Unsubscribe stops delivery to the given channel and closes it.
func (bus *MemBus) Unsubscribe(ch <-chan Event) {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	if send, ok := bus.subscribers[ch]; ok {
		delete(bus.subscribers, ch)
		close(send)
	}
}

// CheckHealth reports whether the bus can still deliver events.
func (bus *MemBus) CheckHealth() error {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	if bus.closed {
		return ErrBusClosed
	}
	return nil
}

// Close drops all subscribers. Subsequent Publish calls return
// ErrBusClosed.
func (bus *MemBus) Close() error {
	bus.mtx.Lock()
	defer bus.mtx.Unlock()
	if bus.closed {
		return nil
	}
	bus.closed = true
	for _, ch := range bus.subscribers {
		close(ch)
	}
	bus.subscribers = map[<-chan Event]chan Event{}
	return nil
}
