// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatchbatch runs the batch dispatch service: it accepts
// batch run requests over a management API, executes them as
// lib/dispatchbatch/batch runs over the configured event bus, and
// keeps recently finished runs queryable.
package dispatchbatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/fleetbatch/fleetbatch/lib/config"
	"github.com/fleetbatch/fleetbatch/lib/dispatchbatch/batch"
	"github.com/fleetbatch/fleetbatch/lib/dispatchbatch/roster"
	"github.com/fleetbatch/fleetbatch/sdk/go/auth"
	"github.com/fleetbatch/fleetbatch/sdk/go/ctxlog"
	"github.com/fleetbatch/fleetbatch/sdk/go/eventbus"
	"github.com/fleetbatch/fleetbatch/sdk/go/health"
	"github.com/fleetbatch/fleetbatch/sdk/go/httpserver"
	"github.com/fleetbatch/fleetbatch/sdk/go/jobclient"
	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type healthChecker interface {
	CheckHealth() error
}

type dispatcher struct {
	Config   config.Config
	Context  context.Context
	Registry *prometheus.Registry

	// Bus and Resolver may be preset by tests; otherwise they are
	// built from Config during setup.
	Bus      eventbus.Bus
	Resolver batch.Resolver

	logger      logrus.FieldLogger
	submitter   batch.Submitter
	roster      *roster.Roster
	ownBus      bool // Bus built by setup, so run() must close it
	httpHandler http.Handler
	metrics     dispatcherMetrics
	fatalErr    error

	mtx      sync.Mutex
	active   map[string]*batch.Run
	finished *lru.Cache // batch job ID -> batch.View

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start initializes the dispatcher. Start can be called multiple
// times with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	if disp.fatalErr != nil {
		return disp.fatalErr
	}
	if hc, ok := disp.Bus.(healthChecker); ok {
		return hc.CheckHealth()
	}
	return nil
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// Close aborts all active runs and releases resources. Typically used
// in tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	disp.active = map[string]*batch.Run{}
	disp.finished, _ = lru.New(disp.Config.MaxFinishedRuns)
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.metrics.setup(disp.Registry, func() float64 {
		disp.mtx.Lock()
		defer disp.mtx.Unlock()
		return float64(len(disp.active))
	})

	if disp.Bus == nil {
		bus, err := disp.newBus()
		if err != nil {
			disp.logger.WithError(err).Error("event bus setup failed")
			disp.fatalErr = fmt.Errorf("event bus setup: %w", err)
		} else {
			disp.Bus = bus
			disp.ownBus = true
		}
	}
	if disp.Resolver == nil && disp.fatalErr == nil {
		ro, err := roster.Load(disp.logger, disp.Config.RosterPath)
		if err == nil {
			err = ro.Watch()
		}
		if err != nil {
			disp.logger.WithError(err).Error("roster setup failed")
			disp.fatalErr = fmt.Errorf("roster setup: %w", err)
		} else {
			disp.roster = ro
			disp.Resolver = ro
		}
	}
	if disp.fatalErr == nil {
		disp.submitter = &jobclient.Client{Bus: disp.Bus}
	}

	if disp.Config.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpserver.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		mux := httprouter.New()
		mux.HandlerFunc("POST", "/fleetbatch/v1/runs", disp.apiRunCreate)
		mux.HandlerFunc("GET", "/fleetbatch/v1/runs", disp.apiRunList)
		mux.HandlerFunc("GET", "/fleetbatch/v1/runs/:id", disp.apiRunGet)
		mux.HandlerFunc("POST", "/fleetbatch/v1/runs/:id/abort", disp.apiRunAbort)
		metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
			ErrorLog: disp.logger,
		})
		mux.Handler("GET", "/metrics", metricsH)
		mux.Handler("GET", "/metrics.json", metricsH)
		mux.Handler("GET", "/_health/:check", &health.Handler{
			Token:  disp.Config.ManagementToken,
			Prefix: "/_health/",
			Routes: health.Routes{"ping": disp.CheckHealth},
		})
		// LoadToken parses credentials once; the auth middleware
		// and the health handler both read them from the request
		// context.
		disp.httpHandler = auth.LoadToken(auth.RequireLiteralToken(disp.Config.ManagementToken, mux))
	}

	go disp.run()
}

func (disp *dispatcher) newBus() (eventbus.Bus, error) {
	switch disp.Config.EventBus.Driver {
	case "redis":
		return eventbus.NewRedisBus(disp.Context, disp.logger, &redis.Options{
			Addr:     disp.Config.EventBus.Redis.Addr,
			Password: disp.Config.EventBus.Redis.Password,
			DB:       disp.Config.EventBus.Redis.DB,
		})
	default:
		return eventbus.NewMemBus(disp.logger), nil
	}
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	<-disp.stop
	disp.mtx.Lock()
	active := make([]*batch.Run, 0, len(disp.active))
	for _, run := range disp.active {
		active = append(active, run)
	}
	disp.mtx.Unlock()
	for _, run := range active {
		run.Close()
	}
	if disp.roster != nil {
		disp.roster.Close()
	}
	if disp.ownBus {
		disp.Bus.Close()
	}
}

// RunRequest is the body of a POST /fleetbatch/v1/runs request.
// Zero-valued fields fall back to the configured defaults.
type RunRequest struct {
	Target              string                 `json:"target"`
	Fn                  string                 `json:"fn"`
	Args                []interface{}          `json:"args,omitempty"`
	Kwargs              map[string]interface{} `json:"kwargs,omitempty"`
	Batch               string                 `json:"batch,omitempty"`
	Timeout             config.Duration        `json:"timeout,omitempty"`
	GatherJobTimeout    config.Duration        `json:"gather_job_timeout,omitempty"`
	PresencePingTimeout config.Duration        `json:"presence_ping_timeout,omitempty"`
	BatchDelay          config.Duration        `json:"batch_delay,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
}

func (disp *dispatcher) options(req RunRequest) batch.Options {
	defaults := disp.Config.Batch
	opts := batch.Options{
		Target:              req.Target,
		Fn:                  req.Fn,
		Args:                req.Args,
		Kwargs:              req.Kwargs,
		Batch:               req.Batch,
		Timeout:             req.Timeout.Duration(),
		GatherJobTimeout:    req.GatherJobTimeout.Duration(),
		PresencePingTimeout: req.PresencePingTimeout.Duration(),
		BatchDelay:          req.BatchDelay.Duration(),
		Metadata:            req.Metadata,
	}
	if opts.Batch == "" {
		opts.Batch = defaults.Size
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaults.Timeout.Duration()
	}
	if opts.GatherJobTimeout == 0 {
		opts.GatherJobTimeout = defaults.GatherJobTimeout.Duration()
	}
	if opts.PresencePingTimeout == 0 {
		opts.PresencePingTimeout = defaults.PresencePingTimeout.Duration()
	}
	if opts.BatchDelay == 0 {
		opts.BatchDelay = defaults.BatchDelay.Duration()
	}
	return opts
}

// apiError writes err as a JSON error response, using its HTTP status
// if it carries one. Server-side failures are also logged with the
// request's logger.
func (disp *dispatcher) apiError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	if se, ok := err.(httpserver.HTTPStatusError); ok {
		status = se.HTTPStatus()
	}
	if status >= 500 {
		httpserver.Logger(r).WithError(err).Error("API error")
	}
	httpserver.Error(w, err.Error(), status)
}

// Management API: start a new batch run.
func (disp *dispatcher) apiRunCreate(w http.ResponseWriter, r *http.Request) {
	if disp.fatalErr != nil {
		disp.apiError(w, r, httpserver.Errorf(http.StatusServiceUnavailable, "%s", disp.fatalErr))
		return
	}
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		disp.apiError(w, r, httpserver.Errorf(http.StatusBadRequest, "invalid request body: %s", err))
		return
	}
	run, err := batch.NewRun(disp.logger, disp.Bus, disp.submitter, disp.Resolver, disp.options(req))
	if err != nil {
		disp.apiError(w, r, httpserver.Errorf(http.StatusBadRequest, "%s", err))
		return
	}
	run.OnDone = func(view batch.View) { disp.runDone(run, view) }
	disp.mtx.Lock()
	disp.active[run.JobID()] = run
	disp.mtx.Unlock()
	disp.metrics.runsStarted.Inc()
	run.Start()
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(run.View())
}

func (disp *dispatcher) runDone(run *batch.Run, view batch.View) {
	disp.mtx.Lock()
	delete(disp.active, run.JobID())
	disp.finished.Add(run.JobID(), view)
	disp.mtx.Unlock()
	disp.metrics.runsFinished.Inc()
	disp.metrics.agentsDone.Add(float64(len(view.Done)))
	disp.metrics.agentsDown.Add(float64(len(view.Down)))
	disp.metrics.agentsTimedOut.Add(float64(len(view.TimedOut)))
	if !view.StartedAt.IsZero() && !view.FinishedAt.IsZero() {
		disp.metrics.runDuration.Observe(view.FinishedAt.Sub(view.StartedAt).Seconds())
	}
	if view.BatchSize > 0 {
		disp.metrics.batchSize.Observe(float64(view.BatchSize))
	}
	// The run has published its done event; drop our handle so its
	// goroutine and subscription are released.
	go run.Close()
}

// Management API: all active and recently finished runs.
func (disp *dispatcher) apiRunList(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []batch.View `json:"items"`
	}
	disp.mtx.Lock()
	for _, run := range disp.active {
		resp.Items = append(resp.Items, run.View())
	}
	for _, key := range disp.finished.Keys() {
		if view, ok := disp.finished.Get(key); ok {
			resp.Items = append(resp.Items, view.(batch.View))
		}
	}
	disp.mtx.Unlock()
	json.NewEncoder(w).Encode(resp)
}

// Management API: one run, by batch job ID.
func (disp *dispatcher) apiRunGet(w http.ResponseWriter, r *http.Request) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	view, ok := disp.lookup(id)
	if !ok {
		disp.apiError(w, r, httpserver.Errorf(http.StatusNotFound, "no such run"))
		return
	}
	json.NewEncoder(w).Encode(view)
}

// Management API: abort an active run.
func (disp *dispatcher) apiRunAbort(w http.ResponseWriter, r *http.Request) {
	id := httprouter.ParamsFromContext(r.Context()).ByName("id")
	disp.mtx.Lock()
	run, ok := disp.active[id]
	if ok {
		delete(disp.active, id)
	}
	disp.mtx.Unlock()
	if !ok {
		disp.apiError(w, r, httpserver.Errorf(http.StatusNotFound, "no such active run"))
		return
	}
	run.Close()
	view := run.View()
	disp.mtx.Lock()
	disp.finished.Add(id, view)
	disp.mtx.Unlock()
	disp.metrics.runsAborted.Inc()
	json.NewEncoder(w).Encode(view)
}

func (disp *dispatcher) lookup(id string) (batch.View, bool) {
	disp.mtx.Lock()
	defer disp.mtx.Unlock()
	if run, ok := disp.active[id]; ok {
		return run.View(), true
	}
	if view, ok := disp.finished.Get(id); ok {
		return view.(batch.View), true
	}
	return batch.View{}, false
}

type dispatcherMetrics struct {
	runsStarted    prometheus.Counter
	runsFinished   prometheus.Counter
	runsAborted    prometheus.Counter
	runsActive     prometheus.GaugeFunc
	agentsDone     prometheus.Counter
	agentsDown     prometheus.Counter
	agentsTimedOut prometheus.Counter
	runDuration    prometheus.Histogram
	batchSize      prometheus.Histogram
}

func (m *dispatcherMetrics) setup(reg *prometheus.Registry, activeRuns func() float64) {
	m.runsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "runs_started_total",
		Help:      "Number of batch runs started.",
	})
	m.runsFinished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "runs_finished_total",
		Help:      "Number of batch runs that ran to completion.",
	})
	m.runsAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "runs_aborted_total",
		Help:      "Number of batch runs aborted via the management API.",
	})
	m.agentsDone = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "agents_done_total",
		Help:      "Number of agents that returned a result, across all finished runs.",
	})
	m.agentsDown = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "agents_down_total",
		Help:      "Number of agents that failed the presence probe, across all finished runs.",
	})
	m.agentsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "agents_timedout_total",
		Help:      "Number of agents retired by liveness probing, across all finished runs.",
	})
	m.runsActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "runs_active",
		Help:      "Number of batch runs currently executing.",
	}, activeRuns)
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "run_duration_seconds",
		Help:      "Time from presence probe to done event.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
	})
	m.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetbatch",
		Subsystem: "dispatch",
		Name:      "batch_size",
		Help:      "Effective wave size of finished runs.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
	})
	reg.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runsAborted,
		m.runsActive,
		m.agentsDone,
		m.agentsDown,
		m.agentsTimedOut,
		m.runDuration,
		m.batchSize,
	)
}
