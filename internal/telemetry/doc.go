// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

// Package telemetry installs the OpenTelemetry tracer and meter providers.
// Components obtain tracers through otel.Tracer, so they produce noop spans
// until Init runs with telemetry enabled.
package telemetry
