// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package jobclient submits jobs to agents by publishing them on the
// event bus. Submission is asynchronous: a nil error means the job
// announcement was published, not that any agent ran it. Per-agent
// results arrive later as job return events.
package jobclient

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/fleetbatch/fleetbatch/sdk/go/eventbus"
)

// A Target addresses a job. If Agents is non-nil the job is addressed
// exactly to those agents; otherwise Expr is a target expression for
// the agents themselves to match against.
type Target struct {
	Expr   string   `json:"expr,omitempty"`
	Agents []string `json:"agents,omitempty"`
}

// List returns a Target addressing exactly the given agents.
func List(agents []string) Target {
	return Target{Agents: agents}
}

// Expr returns a Target carrying an unresolved target expression.
func Expr(expr string) Target {
	return Target{Expr: expr}
}

// NewJobID returns a fresh job identifier: a timestamp with enough
// random suffix to make collisions between concurrent submitters
// implausible. IDs sort chronologically.
func NewJobID() string {
	return newJobID(rand.Reader)
}

var jobIDSeq uint32

func newJobID(src io.Reader) string {
	var suffix [4]byte
	if _, err := io.ReadFull(src, suffix[:]); err != nil {
		// A process-local counter still guarantees distinct ids
		// within this submitter.
		binary.BigEndian.PutUint32(suffix[:], atomic.AddUint32(&jobIDSeq, 1))
	}
	return time.Now().UTC().Format("20060102150405.000000000") + fmt.Sprintf("%x", suffix)
}

// A Client submits jobs on a Bus.
type Client struct {
	Bus eventbus.Bus
}

// Submit publishes a job announcement addressed to the given target.
// The returned error reflects only publication.
func (client *Client) Submit(target Target, fn string, args []interface{}, kwargs map[string]interface{}, jobID string, metadata map[string]interface{}) error {
	data := map[string]interface{}{
		"job_id": jobID,
		"fn":     fn,
	}
	if target.Agents != nil {
		// Copy so later mutation by the caller can't change
		// what was submitted.
		agents := make([]interface{}, len(target.Agents))
		for i, id := range target.Agents {
			agents[i] = id
		}
		data["agents"] = agents
	} else {
		data["target"] = target.Expr
	}
	if len(args) > 0 {
		data["args"] = args
	}
	if len(kwargs) > 0 {
		data["kwargs"] = kwargs
	}
	if len(metadata) > 0 {
		data["metadata"] = metadata
	}
	return client.Bus.Publish(eventbus.Event{
		Tag:  eventbus.JobNewTag(jobID),
		Data: data,
	})
}
