// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package batch

import "time"

// Run phases as reported by View. Transitions are strictly
// pinging -> batching -> done; an aborted run can stop in any phase.
const (
	StatePinging  = "pinging"
	StateBatching = "batching"
	StateDone     = "done"
)

// A View is a point-in-time snapshot of a run, suitable for the
// management API.
type View struct {
	JobID      string    `json:"job_id"`
	Target     string    `json:"target"`
	Fn         string    `json:"fn"`
	State      string    `json:"state"`
	BatchSize  int       `json:"batch_size"`
	Available  []string  `json:"available_minions"`
	Active     []string  `json:"active_minions"`
	Done       []string  `json:"done_minions"`
	Down       []string  `json:"down_minions"`
	TimedOut   []string  `json:"timedout_minions"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// caller must be the run goroutine (or hold its final state).
func (run *Run) view() View {
	state := StatePinging
	if run.finished {
		state = StateDone
	} else if run.initialized {
		state = StateBatching
	}
	view := View{
		JobID:      run.batchJobID,
		Target:     run.opts.Target,
		Fn:         run.opts.Fn,
		State:      state,
		BatchSize:  run.batchSize,
		Available:  sortedIDs(run.minions),
		Active:     sortedIDs(run.active),
		Done:       sortedIDs(run.done),
		Down:       sortedIDs(run.down),
		TimedOut:   sortedIDs(run.timedout),
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
	}
	if run.err != nil {
		view.Error = run.err.Error()
	}
	return view
}
