// Copyright 2025 Knowledgecore Project
//
// Package appctx is the single owner of the process-wide mutable state
// services need: "Active-jobs set and DB unlock flag should
// be owned by a single application context passed explicitly to
// services, not by hidden singletons." Per-database unlock flags live
// on pkg/dbstore.DB itself;
// this package owns the other two: the active-job-ID set and the
// metrics/secret-provider wiring every service reports through.
//
// The mutex-guarded map plus counters shape is grounded on
// pkg/attestation/strategy/ed25519_strategy.go's sync.RWMutex-protected
// strategy state, generalized from "one key pair" to "a set of
// in-flight job IDs"; the health-snapshot shape mirrors
// pkg/database/client.go's Health()/HealthStatus pattern.
package appctx

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saagar210/knowledgecore-sub000/internal/secretenv"
)

// Metrics are the process counters/gauges. New registers all of them
// against the reg it is given, so a Context can be constructed with a
// fresh prometheus.Registry in tests without colliding with
// prometheus.DefaultRegisterer's global state. BeginJob/EndJob update
// the job metrics; nothing in this module increments the sync and
// trust counters.
type Metrics struct {
	ActiveJobs      prometheus.Gauge
	JobsStarted     *prometheus.CounterVec
	JobsFailed      *prometheus.CounterVec
	SyncPushTotal   prometheus.Counter
	SyncPullTotal   prometheus.Counter
	SyncConflicts   prometheus.Counter
	TrustSessions   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kc", Subsystem: "jobs", Name: "active",
			Help: "Number of jobs currently registered in the active-jobs set.",
		}),
		JobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kc", Subsystem: "jobs", Name: "started_total",
			Help: "Jobs started, labeled by kind.",
		}, []string{"kind"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kc", Subsystem: "jobs", Name: "failed_total",
			Help: "Jobs that finished with an error, labeled by kind.",
		}, []string{"kind"}),
		SyncPushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kc", Subsystem: "sync", Name: "push_total",
			Help: "Completed sync pushes.",
		}),
		SyncPullTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kc", Subsystem: "sync", Name: "pull_total",
			Help: "Completed sync pulls.",
		}),
		SyncConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kc", Subsystem: "sync", Name: "conflicts_total",
			Help: "Sync push/pull attempts that detected a conflict.",
		}),
		TrustSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kc", Subsystem: "trust", Name: "identity_sessions_total",
			Help: "Identity sessions completed.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.ActiveJobs, m.JobsStarted, m.JobsFailed,
		m.SyncPushTotal, m.SyncPullTotal, m.SyncConflicts, m.TrustSessions,
	} {
		_ = reg.Register(c) // duplicate registration on a shared registry is not an error here
	}
	return m
}

// Context is the application-wide handle services take instead of
// reaching for package-level singletons. Construct one per process (or
// per test) with New and pass it down explicitly.
type Context struct {
	mu      sync.Mutex
	jobs    map[string]JobInfo
	Metrics *Metrics
	Secrets secretenv.Provider
}

// JobInfo describes one entry in the active-jobs set.
type JobInfo struct {
	ID        string
	Kind      string
	StartedMs int64
}

// New constructs a Context. reg is typically prometheus.NewRegistry()
// in tests or prometheus.DefaultRegisterer in a long-running process;
// secrets is typically secretenv.OSEnv{}.
func New(reg prometheus.Registerer, secrets secretenv.Provider) *Context {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if secrets == nil {
		secrets = secretenv.OSEnv{}
	}
	return &Context{
		jobs:    make(map[string]JobInfo),
		Metrics: newMetrics(reg),
		Secrets: secrets,
	}
}

// BeginJob registers id as active, failing if id is already present
// (job IDs are caller-supplied and must be unique per in-flight job).
func (c *Context) BeginJob(id, kind string, startedMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.jobs[id]; exists {
		return false
	}
	c.jobs[id] = JobInfo{ID: id, Kind: kind, StartedMs: startedMs}
	c.Metrics.ActiveJobs.Set(float64(len(c.jobs)))
	c.Metrics.JobsStarted.WithLabelValues(kind).Inc()
	return true
}

// EndJob removes id from the active-jobs set. failed, when true,
// increments the per-kind failure counter.
func (c *Context) EndJob(id string, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, exists := c.jobs[id]
	if !exists {
		return
	}
	delete(c.jobs, id)
	c.Metrics.ActiveJobs.Set(float64(len(c.jobs)))
	if failed {
		c.Metrics.JobsFailed.WithLabelValues(info.Kind).Inc()
	}
}

// ActiveJobs returns a snapshot of the current active-jobs set.
func (c *Context) ActiveJobs() []JobInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]JobInfo, 0, len(c.jobs))
	for _, info := range c.jobs {
		out = append(out, info)
	}
	return out
}

// IsJobActive reports whether id is currently registered.
func (c *Context) IsJobActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.jobs[id]
	return exists
}
