// Copyright 2025 Knowledgecore Project
package appctx

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/saagar210/knowledgecore-sub000/internal/secretenv"
)

func TestBeginEndJobTracksActiveSet(t *testing.T) {
	c := New(prometheus.NewRegistry(), secretenv.MapProvider{})

	if !c.BeginJob("job-1", "sync.push", 1000) {
		t.Fatalf("expected first BeginJob to succeed")
	}
	if c.BeginJob("job-1", "sync.push", 1000) {
		t.Fatalf("expected duplicate BeginJob to fail")
	}
	if !c.IsJobActive("job-1") {
		t.Fatalf("expected job-1 to be active")
	}
	if len(c.ActiveJobs()) != 1 {
		t.Fatalf("expected exactly one active job")
	}

	c.EndJob("job-1", false)
	if c.IsJobActive("job-1") {
		t.Fatalf("expected job-1 to be gone after EndJob")
	}
	if len(c.ActiveJobs()) != 0 {
		t.Fatalf("expected no active jobs after EndJob")
	}

	// Ending an unknown job is a no-op, not an error.
	c.EndJob("never-started", true)
}

func TestNewDefaultsRegistryAndSecrets(t *testing.T) {
	c := New(nil, nil)
	if c.Metrics == nil {
		t.Fatalf("expected default metrics to be constructed")
	}
	if _, ok := c.Secrets.(secretenv.OSEnv); !ok {
		t.Fatalf("expected default secrets provider to be secretenv.OSEnv")
	}
}
