// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promLLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_llm_calls_total",
			Help: "Total generation calls by provider and status",
		},
		[]string{"provider", "status"},
	)

	promLLMDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentflow_llm_call_duration_milliseconds",
			Help:    "Generation call latency in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"provider"},
	)

	promLLMTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentflow_llm_tokens_total",
			Help: "Total tokens reported by providers",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(promLLMCalls)
	prometheus.MustRegister(promLLMDuration)
	prometheus.MustRegister(promLLMTokens)
}

// Instrument wraps a provider so every Generate call is counted and timed.
// Instrumenting an already-instrumented provider returns it unchanged.
func Instrument(p Provider) Provider {
	if p == nil {
		return nil
	}
	if _, ok := p.(*instrumentedProvider); ok {
		return p
	}
	return &instrumentedProvider{inner: p}
}

type instrumentedProvider struct {
	inner Provider
}

func (ip *instrumentedProvider) Name() string { return ip.inner.Name() }

func (ip *instrumentedProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := ip.inner.Generate(ctx, req)
	elapsed := time.Since(start)

	promLLMDuration.WithLabelValues(ip.inner.Name()).Observe(float64(elapsed.Milliseconds()))
	if err != nil {
		promLLMCalls.WithLabelValues(ip.inner.Name(), "error").Inc()
		return nil, err
	}

	promLLMCalls.WithLabelValues(ip.inner.Name(), "success").Inc()
	if resp.TokensUsed > 0 {
		promLLMTokens.WithLabelValues(ip.inner.Name()).Add(float64(resp.TokensUsed))
	}
	return resp, nil
}

func (ip *instrumentedProvider) UpdateToolSchemas(schemas []ToolSchema) {
	ip.inner.UpdateToolSchemas(schemas)
}

func (ip *instrumentedProvider) Healthy() bool { return ip.inner.Healthy() }
