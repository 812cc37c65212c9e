// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

// Package server manages the lifecycle of the API and metrics HTTP listeners:
// non-blocking start, optional TLS with the shared hardened config, graceful
// shutdown and asynchronous error reporting.
package server
