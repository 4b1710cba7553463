// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ConnectionsTotal.WithLabelValues("accepted").Inc()
	m.ConnectionsTotal.WithLabelValues("rejected_auth").Add(2)
	m.ActiveConnections.Inc()
	m.JobsTotal.WithLabelValues("general", "success").Inc()
	m.DependencyFailuresTotal.WithLabelValues("llm-primary").Inc()
	m.BreakerState.WithLabelValues("llm-primary").Set(1)
	m.EventsDroppedTotal.Inc()

	if got := testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("rejected_auth")); got != 2 {
		t.Errorf("rejected_auth connections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ActiveConnections); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("llm-primary")); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}

	// All collectors registered without collision.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families gathered")
	}
}

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.EventsDroppedTotal.Inc()
	if got := testutil.ToFloat64(b.EventsDroppedTotal); got != 0 {
		t.Errorf("second registry counter = %v, want 0", got)
	}
}
