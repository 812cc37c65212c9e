// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

// Package tlsutil centralizes TLS settings for the coordinator's HTTP server,
// its CLI health check and Redis connections (TLS 1.2+, AEAD suites only).
package tlsutil
