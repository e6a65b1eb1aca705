// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const redisChannel = "fleetbatch:events"

// RedisBus is a Bus backed by a Redis pub/sub channel, shared by the
// dispatcher and all agents.
type RedisBus struct {
	logger logrus.FieldLogger
	rdb    *redis.Client
	pubsub *redis.PubSub
	local  *MemBus

	ctx       context.Context
	cancel    context.CancelFunc
	setupOnce sync.Once
	done      chan struct{}
}

// NewRedisBus returns a Bus that relays events through the given Redis
// server. The connection is verified immediately.
func NewRedisBus(ctx context.Context, logger logrus.FieldLogger, opts *redis.Options) (*RedisBus, error) {
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &RedisBus{
		logger: logger,
		rdb:    rdb,
		local:  NewMemBus(logger),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// Publish encodes e as JSON and publishes it on the shared channel.
func (bus *RedisBus) Publish(e Event) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return bus.rdb.Publish(bus.ctx, redisChannel, buf).Err()
}

// Subscribe returns a channel receiving all events published on the
// shared Redis channel by any process, including this one.
func (bus *RedisBus) Subscribe() <-chan Event {
	bus.setupOnce.Do(bus.setup)
	return bus.local.Subscribe()
}

// Unsubscribe stops delivery to the given channel and closes it.
func (bus *RedisBus) Unsubscribe(ch <-chan Event) {
	bus.local.Unsubscribe(ch)
}

// CheckHealth pings the Redis server.
func (bus *RedisBus) CheckHealth() error {
	ctx, cancel := context.WithTimeout(bus.ctx, 5*time.Second)
	defer cancel()
	return bus.rdb.Ping(ctx).Err()
}

// Close shuts down the Redis subscription and connection.
func (bus *RedisBus) Close() error {
	bus.cancel()
	// If Subscribe never ran, there is no pump to wait for.
	bus.setupOnce.Do(func() { close(bus.done) })
	// Closing the pubsub makes its Channel() close, which ends the
	// pump goroutine. The reverse order would deadlock: the pump
	// only exits once the pubsub is closed.
	if bus.pubsub != nil {
		bus.pubsub.Close()
	}
	<-bus.done
	bus.local.Close()
	return bus.rdb.Close()
}

func (bus *RedisBus) setup() {
	bus.pubsub = bus.rdb.Subscribe(bus.ctx, redisChannel)
	go func() {
		defer close(bus.done)
		for msg := range bus.pubsub.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				bus.logger.WithError(err).Warn("discarding undecodable event")
				continue
			}
			bus.local.Publish(e)
		}
	}()
}
