// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_orchestrator_tasks_total",
			Help: "Total number of delegated tasks by final status",
		},
		[]string{"status"},
	)
	promTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_orchestrator_task_duration_milliseconds",
			Help:    "Task duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"type"},
	)
	promRedelegations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentflow_orchestrator_redelegations_total",
			Help: "Total number of automatic redelegations to another agent",
		},
	)
	promWorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_orchestrator_workflows_total",
			Help: "Total number of workflow executions by final status",
		},
		[]string{"status"},
	)
	promJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_orchestrator_jobs_total",
			Help: "Total number of workflow jobs by final status",
		},
		[]string{"status"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promTasksTotal)
	prometheus.MustRegister(promTaskDuration)
	prometheus.MustRegister(promRedelegations)
	prometheus.MustRegister(promWorkflowsTotal)
	prometheus.MustRegister(promJobsTotal)
}
