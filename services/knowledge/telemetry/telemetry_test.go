// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpRecorderCounts(t *testing.T) {
	r := NewNoOpRecorder()

	r.RecordQuery(true)
	r.RecordQuery(false)
	r.RecordQuery(true)
	r.RecordMutation()
	r.RecordSecurityViolation()
	r.RecordRecovery("timeout", "success", 120*time.Millisecond)
	r.RecordRecovery("timeout", "success", 80*time.Millisecond)
	r.RecordRecovery("default", "failure", time.Second)

	assert.Equal(t, int64(3), r.Queries())
	assert.Equal(t, int64(2), r.CacheHits())
	assert.Equal(t, int64(1), r.Mutations())
	assert.Equal(t, int64(1), r.SecurityViolations())
	assert.Equal(t, int64(2), r.RecoveryAttempts("timeout", "success"))
	assert.Equal(t, int64(1), r.RecoveryAttempts("default", "failure"))
	assert.Equal(t, int64(0), r.RecoveryAttempts("default", "success"))
}

func TestPrometheusRecorderSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.RecordQuery(true)
	r.RecordQuery(false)
	r.RecordMutation()
	r.RecordValidation(2, 1)
	r.RecordSecurityViolation()
	r.RecordRecovery("state_corruption", "success", 40*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(r.queries.WithLabelValues("hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.queries.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.mutations))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.validationFindings.WithLabelValues("error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.validationFindings.WithLabelValues("violation")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.securityViolations))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(r.recoveryAttempts.WithLabelValues("state_corruption", "success")))
}

func TestPrometheusRecorderRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusRecorder(reg)

	require.Panics(t, func() {
		// Duplicate registration on the same registry must panic via
		// MustRegister rather than silently shadow series.
		NewPrometheusRecorder(reg)
	})
}
