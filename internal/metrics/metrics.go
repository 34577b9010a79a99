// Copyright 2025 The Rangekeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Collectors live on the controller-runtime registry, next to the manager's
// own controller and client metrics.
var factory = promauto.With(crmetrics.Registry)

var (
	// ClusterRetriesTotal counts cluster API calls that were retried by the gateway.
	ClusterRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangekeeper_cluster_retries_total",
			Help: "Total number of retried cluster API operations by verb and kind",
		},
		[]string{"verb", "kind"},
	)

	// RegistrationStagesTotal counts registration stage transitions.
	// result label is "success" or "error".
	RegistrationStagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangekeeper_registration_stages_total",
			Help: "Total number of registration stage executions by stage and result",
		},
		[]string{"stage", "result"},
	)

	// RegistrationDurationSeconds tracks how long a full registration call takes,
	// including time spent waiting on another caller.
	RegistrationDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rangekeeper_registration_duration_seconds",
			Help:    "Duration of registration calls in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// ChallengeOpsTotal counts challenge start and stop operations.
	ChallengeOpsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangekeeper_challenge_ops_total",
			Help: "Total number of challenge operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// JobsProcessedTotal counts jobs handled by the worker pool.
	// result is "success", "requeued" or "failed".
	JobsProcessedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rangekeeper_jobs_processed_total",
			Help: "Total number of background jobs processed by type and result",
		},
		[]string{"type", "result"},
	)

	// NamespacesSweptTotal counts orphaned namespaces removed by the sweeper.
	NamespacesSweptTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "rangekeeper_namespaces_swept_total",
			Help: "Total number of orphaned team namespaces deleted by the sweeper",
		},
	)
)

// Result maps an error to the result label used by the counters above.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
