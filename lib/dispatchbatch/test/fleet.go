// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stub collaborators for dispatcher and batch
// controller tests: a fleet of scriptable fake agents driven by a real
// in-process event bus, and a canned target resolver.
package test

import (
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fleetbatch/fleetbatch/sdk/go/eventbus"
	"github.com/sirupsen/logrus"
)

// An Agent is a scriptable fake remote agent.
type Agent struct {
	ID string

	// IgnorePing makes the agent fail presence probes.
	IgnorePing bool

	// NeverReturn makes the agent accept the real command but
	// never publish a result.
	NeverReturn bool

	// AnswerFindJob makes a NeverReturn agent confirm liveness
	// probes anyway (simulating a long-running command).
	AnswerFindJob bool

	// RunDuration delays the result of the real command.
	RunDuration time.Duration

	// Return is the result payload published for the real
	// command.
	Return interface{}
}

// A Fleet delivers job announcements from a bus to its stub agents and
// publishes their scripted responses, like a set of real agents
// subscribed to a shared bus.
type Fleet struct {
	Logger logrus.FieldLogger
	Bus    eventbus.Bus

	agents    map[string]*Agent
	events    <-chan eventbus.Event
	setupOnce sync.Once
	stopped   chan struct{}
	mtx       sync.Mutex
}

// NewFleet returns a Fleet with the given agents, not yet listening.
func NewFleet(logger logrus.FieldLogger, bus eventbus.Bus, agents ...*Agent) *Fleet {
	fleet := &Fleet{
		Logger: logger,
		Bus:    bus,
		agents: map[string]*Agent{},
	}
	for _, agent := range agents {
		fleet.agents[agent.ID] = agent
	}
	return fleet
}

// Start begins servicing job announcements. Call Stop when done.
func (fleet *Fleet) Start() {
	fleet.setupOnce.Do(func() {
		fleet.events = fleet.Bus.Subscribe()
		fleet.stopped = make(chan struct{})
		go fleet.run()
	})
}

// Stop detaches the fleet from the bus and waits for its goroutine.
func (fleet *Fleet) Stop() {
	fleet.Bus.Unsubscribe(fleet.events)
	<-fleet.stopped
}

// AgentIDs returns the ids of all stub agents, for use as a canned
// resolver result.
func (fleet *Fleet) AgentIDs() []string {
	fleet.mtx.Lock()
	defer fleet.mtx.Unlock()
	var ids []string
	for id := range fleet.agents {
		ids = append(ids, id)
	}
	return ids
}

func (fleet *Fleet) run() {
	defer close(fleet.stopped)
	for e := range fleet.events {
		jobID, fn, targeted := parseJobNew(e)
		if jobID == "" {
			continue
		}
		fleet.mtx.Lock()
		for id, agent := range fleet.agents {
			if targeted(id) {
				fleet.dispatch(agent, jobID, fn)
			}
		}
		fleet.mtx.Unlock()
	}
}

func (fleet *Fleet) dispatch(agent *Agent, jobID, fn string) {
	switch fn {
	case "health.ping":
		if agent.IgnorePing {
			return
		}
		fleet.respond(agent.ID, jobID, true)
	case "jobs.find":
		if agent.NeverReturn && !agent.AnswerFindJob {
			return
		}
		fleet.respond(agent.ID, jobID, true)
	default:
		if agent.NeverReturn {
			return
		}
		ret := agent.Return
		if ret == nil {
			ret = "ok"
		}
		if agent.RunDuration > 0 {
			agentID := agent.ID
			time.AfterFunc(agent.RunDuration, func() {
				fleet.respond(agentID, jobID, ret)
			})
		} else {
			fleet.respond(agent.ID, jobID, ret)
		}
	}
}

func (fleet *Fleet) respond(agentID, jobID string, ret interface{}) {
	err := fleet.Bus.Publish(eventbus.Event{
		Tag:  eventbus.JobReturnTag(jobID, agentID),
		Data: map[string]interface{}{"return": ret},
	})
	if err != nil && err != eventbus.ErrBusClosed {
		fleet.Logger.WithError(err).Error("stub agent publish failed")
	}
}

// parseJobNew deconstructs a job announcement event. The returned
// targeted func reports whether a given agent is addressed by it.
func parseJobNew(e eventbus.Event) (jobID, fn string, targeted func(string) bool) {
	jobID, _ = e.Data["job_id"].(string)
	fn, _ = e.Data["fn"].(string)
	if jobID == "" || fn == "" {
		return "", "", nil
	}
	if agents, ok := e.Data["agents"].([]interface{}); ok {
		addressed := map[string]bool{}
		for _, id := range agents {
			if s, ok := id.(string); ok {
				addressed[s] = true
			}
		}
		return jobID, fn, func(id string) bool { return addressed[id] }
	}
	expr, _ := e.Data["target"].(string)
	return jobID, fn, func(id string) bool {
		match, _ := doublestar.Match(expr, id)
		return match
	}
}

// ResolverFunc adapts a function to the batch.Resolver interface.
type ResolverFunc func(target string) ([]string, error)

// Resolve implements batch.Resolver.
func (f ResolverFunc) Resolve(target string) ([]string, error) {
	return f(target)
}

// FixedResolver returns a resolver over a fixed set of ids, matching
// target expressions the same way stub agents do.
func FixedResolver(ids ...string) ResolverFunc {
	return func(target string) ([]string, error) {
		var matched []string
		for _, id := range ids {
			if ok, err := doublestar.Match(target, id); err != nil {
				return nil, err
			} else if ok {
				matched = append(matched, id)
			}
		}
		return matched, nil
	}
}
