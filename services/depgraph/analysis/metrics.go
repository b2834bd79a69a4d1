// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for graph analysis operations.
var (
	tracer = otel.Tracer("vizzy.depgraph.analysis")
	meter  = otel.Meter("vizzy.depgraph.analysis")
)

// Metrics for analysis operations, labeled by operation name
// (why_chain, loops, redundancy, contribution).
var (
	analysisLatency metric.Float64Histogram
	analysisTotal   metric.Int64Counter
	findingsCount   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analysisLatency, err = meter.Float64Histogram(
			"depgraph_analysis_duration_seconds",
			metric.WithDescription("Duration of graph analysis operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisTotal, err = meter.Int64Counter(
			"depgraph_analysis_total",
			metric.WithDescription("Total number of graph analysis operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		findingsCount, err = meter.Int64Histogram(
			"depgraph_analysis_findings",
			metric.WithDescription("Findings produced per analysis operation"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startAnalysisSpan creates a span for one analysis operation.
func startAnalysisSpan(ctx context.Context, op, importID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "analysis."+op,
		trace.WithAttributes(
			attribute.String("depgraph.operation", op),
			attribute.String("depgraph.import_id", importID),
		),
	)
}

// recordAnalysis records metrics for one analysis operation.
func recordAnalysis(ctx context.Context, op string, duration time.Duration, findings int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("success", success),
	)

	analysisLatency.Record(ctx, duration.Seconds(), attrs)
	analysisTotal.Add(ctx, 1, attrs)
	findingsCount.Record(ctx, int64(findings), metric.WithAttributes(
		attribute.String("operation", op),
	))
}
