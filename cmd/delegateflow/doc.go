// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Command delegateflow runs the task dispatch service.

# Overview

delegateflow accepts tasks from callers, matches them against the
delegates registered for an account and hands each task to exactly one
delegate. The binary also applies database migrations and checks a
running server.

# Subcommands

  - serve: start the API, the account stream and the metrics listener
  - migrate: apply, roll back and inspect schema migrations
  - version: print build information injected through ldflags
  - health: GET /health against a running server

# Runtime

The server wires the delegate registry, matching engine, task queue,
admission controller, validation monitor and stream hub onto one
database. With redis.enabled the cache, locks, sync task notifications
and stream fan-out go through Redis so several nodes can share the work;
without it every component uses its in-process variant.

The middleware chain is Recovery, RequestID, SecurityHeaders,
OTelTracing, MetricsMiddleware, RequestLogger, CORS, Authenticate and
RateLimiter. Admission limits and the log level are reloaded when the
config file changes.

Shutdown stops the listeners first, then the background loops, then
storage and telemetry.
*/
package main
