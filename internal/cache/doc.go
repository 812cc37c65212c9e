// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package cache provides the TTL cache component used by capability matching
and admission control.

# Overview

Store is the injected interface. Two implementations exist:

  - Manager wraps a go-redis client (pooled, optional TLS, background
    health check) and is shared across coordinator replicas.
  - MemoryStore is a size-bounded in-process cache built on an expirable LRU,
    used when Redis is not configured and in tests.

Both return ErrCacheMiss for absent or expired keys; callers test it with
IsCacheMiss and fall back to the database.
*/
package cache
