/*
Copyright 2024 FaST-GShare Authors, KontonGu (Jianfeng Gu), et. al.
@Techinical University of Munich, CAPS Cloud Team

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "faas_worker"

// Failure reasons used as label values on launch failures.
const (
	ReasonDecode     = "decode"
	ReasonNotFound   = "not_found"
	ReasonIntrospect = "introspect"
	ReasonSubmit     = "submit"
)

// Metrics holds the worker's collectors on a private registry.
type Metrics struct {
	EventsReceived  prometheus.Counter
	EventsDuplicate prometheus.Counter
	JobsLaunched    *prometheus.CounterVec
	LaunchFailures  *prometheus.CounterVec
	LaunchDuration  prometheus.Histogram

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Events delivered by the message bus.",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Redelivered events skipped because their job already exists.",
		}),
		JobsLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_launched_total",
			Help:      "Jobs created, by function.",
		}, []string{"function"}),
		LaunchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_failures_total",
			Help:      "Events dropped without a job, by reason.",
		}, []string{"reason"}),
		LaunchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time from message delivery to job submission outcome.",
			Buckets:   prometheus.DefBuckets,
		}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.EventsReceived,
		m.EventsDuplicate,
		m.JobsLaunched,
		m.LaunchFailures,
		m.LaunchDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is the gatherer served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveLaunch records the outcome of one launch attempt. An empty reason
// means the job was created.
func (m *Metrics) ObserveLaunch(function, reason string, started time.Time) {
	m.LaunchDuration.Observe(time.Since(started).Seconds())
	if len(reason) > 0 {
		m.LaunchFailures.WithLabelValues(reason).Inc()
		return
	}
	m.JobsLaunched.WithLabelValues(function).Inc()
}
