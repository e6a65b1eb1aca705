// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package batch coordinates execution of one remote command across a
// target set of agents, in bounded-size waves, using asynchronous job
// submission, presence probing, per-wave completion tracking, and
// per-agent timeout accounting.
package batch

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetbatch/fleetbatch/sdk/go/eventbus"
	"github.com/fleetbatch/fleetbatch/sdk/go/jobclient"
	"github.com/sirupsen/logrus"
)

const (
	pingFn    = "health.ping"
	findJobFn = "jobs.find"

	defaultTimeout          = 5 * time.Second
	defaultGatherJobTimeout = 10 * time.Second
	defaultBatchDelay       = time.Second
)

// A Resolver expands a target expression into a set of agent
// identifiers. Implemented by roster.Roster and test stubs.
type Resolver interface {
	Resolve(target string) ([]string, error)
}

// A Submitter starts remote jobs asynchronously. A nil error means the
// submission was acknowledged, not that any agent ran the job; results
// arrive later on the event bus. Implemented by jobclient.Client and
// test stubs.
type Submitter interface {
	Submit(target jobclient.Target, fn string, args []interface{}, kwargs map[string]interface{}, jobID string, metadata map[string]interface{}) error
}

// Options configure one batch run.
type Options struct {
	// Target expression addressing the fleet subset this run
	// covers.
	Target string

	// Function to execute on each agent, with arguments.
	Fn     string
	Args   []interface{}
	Kwargs map[string]interface{}

	// Batch is the wave size: an integer ("10") or a percentage of
	// the available agents ("25%"). Percentages round up;
	// the effective size is clamped to [1, #available agents].
	Batch string

	// Timeout is how long a dispatched wave runs before its agents
	// are liveness-probed.
	Timeout time.Duration

	// GatherJobTimeout is how long an agent has to answer a
	// liveness probe. Also the presence-probe window when
	// PresencePingTimeout is zero.
	GatherJobTimeout time.Duration

	// PresencePingTimeout is how long agents have to answer the
	// initial presence probe. Zero means use GatherJobTimeout.
	PresencePingTimeout time.Duration

	// BatchDelay throttles wave-to-wave submission after an agent
	// returns.
	BatchDelay time.Duration

	// Metadata is passed through unmodified on start/done events
	// and job submissions.
	Metadata map[string]interface{}
}

// A Run executes one batch run: it probes the target set for presence,
// dispatches the command in waves of at most the configured batch
// size, retires agents that fail a liveness probe, and reports the
// final done/down/timed-out partition on the event bus.
//
// A Run is constructed once per batch, runs through its phases exactly
// once, and holds no state across runs. The bus, submitter and
// resolver are shared, externally owned collaborators; concurrent runs
// sharing one bus do not interfere because each run reacts only to its
// own three job ids.
type Run struct {
	logger    logrus.FieldLogger
	bus       eventbus.Bus
	submitter Submitter
	resolver  Resolver
	opts      Options
	sizeSpec  sizeSpec

	// OnDone, if set before Start, is called exactly once with the
	// final view of the run, after the done event is published.
	OnDone func(View)

	pingJobID  string
	batchJobID string
	findJobID  string

	// Mutated only by the run goroutine.
	targeted        map[string]struct{} // resolved target set
	minions         map[string]struct{} // presence responders
	down            map[string]struct{} // failed presence probe
	active          map[string]struct{} // dispatched, no terminal event yet
	done            map[string]struct{} // returned a result
	timedout        map[string]struct{} // failed a liveness probe
	findJobReturned map[string]struct{} // answered the current liveness cycle
	batchSize       int
	initialized     bool // batching started (guards startBatch)
	finished        bool // done event published (terminal guard)
	err             error
	startedAt       time.Time
	finishedAt      time.Time

	events    <-chan eventbus.Event
	todo      chan func()
	stop      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	finalView View
}

// NewRun returns an unstarted Run. It fails only on misconfiguration
// (unparseable batch size, missing target or function).
func NewRun(logger logrus.FieldLogger, bus eventbus.Bus, submitter Submitter, resolver Resolver, opts Options) (*Run, error) {
	if opts.Target == "" {
		return nil, errors.New("batch: no target specified")
	}
	if opts.Fn == "" {
		return nil, errors.New("batch: no function specified")
	}
	size, err := parseSizeSpec(opts.Batch)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.GatherJobTimeout <= 0 {
		opts.GatherJobTimeout = defaultGatherJobTimeout
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = defaultBatchDelay
	}
	run := &Run{
		bus:             bus,
		submitter:       submitter,
		resolver:        resolver,
		opts:            opts,
		sizeSpec:        size,
		pingJobID:       jobclient.NewJobID(),
		batchJobID:      jobclient.NewJobID(),
		findJobID:       jobclient.NewJobID(),
		targeted:        map[string]struct{}{},
		minions:         map[string]struct{}{},
		down:            map[string]struct{}{},
		active:          map[string]struct{}{},
		done:            map[string]struct{}{},
		timedout:        map[string]struct{}{},
		findJobReturned: map[string]struct{}{},
		todo:            make(chan func()),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	run.logger = logger.WithField("BatchJobID", run.batchJobID)
	return run, nil
}

// JobID returns the identifier of the run's real command job, which
// also identifies the run itself in batch start/done event tags.
func (run *Run) JobID() string {
	return run.batchJobID
}

// Start begins the run: it submits the presence probe to the full
// target expression and returns immediately. Completion is signaled
// only via the batch done event (and OnDone).
func (run *Run) Start() {
	run.startOnce.Do(func() {
		run.startedAt = time.Now()
		run.events = run.bus.Subscribe()
		go run.run()
		run.todo <- run.startRun
	})
}

// Close tears the run down without waiting for completion: pending
// timers become no-ops and the bus subscription is dropped. If the run
// already finished, Close just releases resources. The done event is
// not published for an aborted run.
func (run *Run) Close() {
	run.Start()
	run.closeOnce.Do(func() { close(run.stop) })
	<-run.stopped
	run.bus.Unsubscribe(run.events)
}

// View returns a snapshot of the run's current state.
func (run *Run) View() View {
	resp := make(chan View, 1)
	select {
	case run.todo <- func() { resp <- run.view() }:
		return <-resp
	case <-run.stopped:
		return run.finalView
	}
}

// run serializes all state mutation: timers and bus events race only
// to enqueue work here.
func (run *Run) run() {
	defer func() {
		run.finalView = run.view()
		close(run.stopped)
	}()
	for {
		select {
		case f := <-run.todo:
			f()
		case e, ok := <-run.events:
			if !ok {
				// Unsubscribed by endBatch.
				return
			}
			run.handleEvent(e)
		case <-run.stop:
			return
		}
	}
}

// after schedules f on the run goroutine once d has elapsed. If the
// run goroutine has exited by then, f is dropped.
func (run *Run) after(d time.Duration, f func()) {
	time.AfterFunc(d, func() {
		select {
		case run.todo <- f:
		case <-run.stopped:
		}
	})
}

func (run *Run) startRun() {
	targets, err := run.resolver.Resolve(run.opts.Target)
	if err != nil {
		run.logger.WithError(err).WithField("Target", run.opts.Target).Error("target resolution failed")
		run.err = err
		run.startBatch()
		return
	}
	for _, id := range targets {
		run.targeted[id] = struct{}{}
	}
	err = run.submitter.Submit(jobclient.Expr(run.opts.Target), pingFn, nil, nil, run.pingJobID, run.opts.Metadata)
	if err != nil {
		// Nothing was probed, so nothing can respond: every
		// targeted agent is classified down by startBatch.
		run.logger.WithError(err).Error("presence probe submission failed")
		run.err = err
		run.startBatch()
		return
	}
	timeout := run.opts.PresencePingTimeout
	if timeout <= 0 {
		timeout = run.opts.GatherJobTimeout
	}
	run.logger.WithFields(logrus.Fields{
		"Target":   run.opts.Target,
		"Targeted": len(run.targeted),
		"Timeout":  timeout,
	}).Info("presence probe submitted")
	run.after(timeout, run.startBatch)
}

// startBatch closes the presence phase: agents that never answered the
// probe are classified down, the wave size is fixed, and the first
// wave is scheduled. Guarded so the deferred presence timer and the
// all-responders early exit can both fire without double entry.
func (run *Run) startBatch() {
	if run.initialized || run.finished {
		return
	}
	run.initialized = true
	for id := range run.targeted {
		if _, ok := run.minions[id]; !ok {
			run.down[id] = struct{}{}
		}
	}
	run.batchSize = run.sizeSpec.size(len(run.minions))
	run.logger.WithFields(logrus.Fields{
		"Available": len(run.minions),
		"Down":      len(run.down),
		"BatchSize": run.batchSize,
	}).Info("batching")
	run.publish(eventbus.BatchStartTag(run.batchJobID), map[string]interface{}{
		"available_minions": sortedIDs(run.minions),
		"down_minions":      sortedIDs(run.down),
		"metadata":          run.opts.Metadata,
	})
	run.scheduleNext()
}

// nextWave returns up to batchSize agents that are available and not
// already done, active, or timed out. Selection order is
// implementation-defined.
func (run *Run) nextWave() []string {
	var next []string
	for id := range run.minions {
		if len(next) >= run.batchSize {
			break
		}
		if _, ok := run.done[id]; ok {
			continue
		}
		if _, ok := run.active[id]; ok {
			continue
		}
		if _, ok := run.timedout[id]; ok {
			continue
		}
		next = append(next, id)
	}
	return next
}

func (run *Run) scheduleNext() {
	if run.finished {
		return
	}
	next := run.nextWave()
	if len(next) == 0 {
		// Either the run is complete, or every remaining agent
		// is currently active or timed out. Both are valid
		// quiescent states.
		run.maybeEnd()
		return
	}
	err := run.submitter.Submit(jobclient.List(next), run.opts.Fn, run.opts.Args, run.opts.Kwargs, run.batchJobID, run.opts.Metadata)
	if err != nil {
		// Retire the wave rather than leaving it eligible for
		// resubmission forever.
		run.logger.WithError(err).WithField("Agents", len(next)).Error("wave submission failed, retiring agents")
		for _, id := range next {
			run.timedout[id] = struct{}{}
		}
		run.maybeEnd()
		return
	}
	for _, id := range next {
		run.active[id] = struct{}{}
	}
	run.logger.WithField("Agents", len(next)).Debug("wave dispatched")
	wave := append([]string(nil), next...)
	run.after(run.opts.Timeout, func() { run.findJob(wave) })
}

// findJob submits a liveness probe to the given agents, except those
// that completed between dispatch and now.
func (run *Run) findJob(wave []string) {
	if run.finished {
		return
	}
	var probe []string
	for _, id := range wave {
		if _, ok := run.done[id]; !ok {
			probe = append(probe, id)
		}
	}
	if len(probe) == 0 {
		return
	}
	err := run.submitter.Submit(jobclient.List(probe), findJobFn, []interface{}{run.batchJobID}, nil, run.findJobID, run.opts.Metadata)
	if err != nil {
		run.logger.WithError(err).WithField("Agents", len(probe)).Error("liveness probe submission failed, retiring agents")
		retired := false
		for _, id := range probe {
			if _, ok := run.active[id]; ok {
				delete(run.active, id)
				run.timedout[id] = struct{}{}
				retired = true
			}
		}
		if retired {
			run.scheduleNext()
		}
		return
	}
	run.after(run.opts.GatherJobTimeout, func() { run.checkFindJob(probe) })
}

// checkFindJob retires probed agents that did not confirm liveness.
// One missed check retires the agent for the remainder of the run.
func (run *Run) checkFindJob(probe []string) {
	if run.finished {
		return
	}
	var stillRunning []string
	retired := false
	for _, id := range probe {
		if _, ok := run.active[id]; !ok {
			// Completed or already retired since the probe
			// was submitted.
			continue
		}
		if _, ok := run.findJobReturned[id]; ok {
			stillRunning = append(stillRunning, id)
			continue
		}
		delete(run.active, id)
		run.timedout[id] = struct{}{}
		retired = true
		run.logger.WithField("AgentID", id).Warn("agent unresponsive, retiring")
	}
	run.findJobReturned = map[string]struct{}{}
	if len(stillRunning) > 0 {
		run.after(run.opts.Timeout, func() { run.findJob(stillRunning) })
	}
	if retired {
		run.scheduleNext()
	}
}

func (run *Run) handleEvent(e eventbus.Event) {
	jobID, agentID, ok := eventbus.ParseJobReturn(e.Tag)
	if !ok {
		// Any event at all is an occasion to notice quiescence.
		run.maybeEnd()
		return
	}
	switch jobID {
	case run.pingJobID:
		if run.initialized {
			return
		}
		run.minions[agentID] = struct{}{}
		if run.allTargetsResponded() {
			// No point waiting out the rest of the
			// presence window; the deferred timer remains
			// the authoritative fallback and is a no-op
			// after this.
			run.startBatch()
		}
	case run.batchJobID:
		if _, ok := run.active[agentID]; !ok {
			// Duplicate or stale return.
			return
		}
		delete(run.active, agentID)
		run.done[agentID] = struct{}{}
		run.logger.WithField("AgentID", agentID).Debug("agent returned")
		run.after(run.opts.BatchDelay, run.scheduleNext)
		run.maybeEnd()
	case run.findJobID:
		run.findJobReturned[agentID] = struct{}{}
	default:
		// Unrelated event, e.g. another run sharing the bus.
		run.maybeEnd()
	}
}

func (run *Run) allTargetsResponded() bool {
	if len(run.targeted) == 0 {
		return false
	}
	for id := range run.targeted {
		if _, ok := run.minions[id]; !ok {
			return false
		}
	}
	return true
}

// maybeEnd finishes the run if nothing is schedulable and nothing is
// outstanding.
func (run *Run) maybeEnd() {
	if !run.initialized || run.finished {
		return
	}
	if len(run.active) > 0 {
		return
	}
	if len(run.nextWave()) > 0 {
		return
	}
	run.endBatch()
}

// endBatch publishes the final partition and drops the bus
// subscription, which also stops the run goroutine. Terminal-state
// guarded: the done event is published exactly once no matter how many
// triggers race to quiescence.
func (run *Run) endBatch() {
	if run.finished {
		return
	}
	run.finished = true
	run.finishedAt = time.Now()
	data := map[string]interface{}{
		"available_minions": sortedIDs(run.minions),
		"done_minions":      sortedIDs(run.done),
		"down_minions":      sortedIDs(run.down),
		"timedout_minions":  sortedIDs(run.timedout),
		"metadata":          run.opts.Metadata,
	}
	if run.err != nil {
		data["error"] = run.err.Error()
	}
	run.publish(eventbus.BatchDoneTag(run.batchJobID), data)
	run.logger.WithFields(logrus.Fields{
		"Done":     len(run.done),
		"Down":     len(run.down),
		"TimedOut": len(run.timedout),
		"Elapsed":  run.finishedAt.Sub(run.startedAt),
	}).Info("batch done")
	if run.OnDone != nil {
		view := run.view()
		go run.OnDone(view)
	}
	run.bus.Unsubscribe(run.events)
}

func (run *Run) publish(tag string, data map[string]interface{}) {
	if err := run.bus.Publish(eventbus.Event{Tag: tag, Data: data}); err != nil {
		run.logger.WithError(err).WithField("Tag", tag).Error("publish failed")
	}
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type sizeSpec struct {
	value   int
	percent bool
}

func parseSizeSpec(spec string) (sizeSpec, error) {
	if spec == "" {
		return sizeSpec{value: 100, percent: true}, nil
	}
	s := sizeSpec{}
	num := spec
	if strings.HasSuffix(spec, "%") {
		s.percent = true
		num = strings.TrimSuffix(spec, "%")
	}
	value, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil || value <= 0 {
		return sizeSpec{}, fmt.Errorf("batch: invalid batch size %q", spec)
	}
	s.value = value
	return s, nil
}

// size resolves the spec against the available agent count:
// percentages round up to at least 1, absolute values are clamped to
// n.
func (s sizeSpec) size(n int) int {
	if n == 0 {
		return 0
	}
	size := s.value
	if s.percent {
		size = (n*s.value + 99) / 100
	}
	if size < 1 {
		size = 1
	}
	if size > n {
		size = n
	}
	return size
}
