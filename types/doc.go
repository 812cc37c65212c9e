// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package types holds the shared types used across delegateflow.

# Overview

types sits at the bottom of the dependency graph. It defines the structured
error model returned across package and API boundaries and the task rank
shared by the queue and admission control.

# Core types

  - Error / ErrorCode: structured errors with HTTP status and retry hints
  - Rank / ParseRank: CRITICAL, IMPORTANT and OPTIONAL task ranks
*/
package types
