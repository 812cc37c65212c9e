// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package metrics provides the Prometheus instrumentation of the coordinator.

# Overview

Collector registers every vector through promauto under one namespace and
exposes typed Record methods grouped by domain:

  - HTTP: request count, latency and body sizes by method/path/status class.
  - Task queue: submissions by rank, acquire outcomes, terminal statuses,
    queue wait, broadcasts, admission rejections, validation timeouts.
  - Matching: verdict polling attempts, reported verdicts, raised alerts.
  - Delegates: registrations by resolution path, live connections,
    self-terminate instructions.
  - Cache and database: hits/misses and pool sizes.

A nil *Collector is valid and records nothing.
*/
package metrics
