// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package stream fans task events out to the delegates of an account.

The Hub keeps the local subscribers of every account and implements the task
queue's Broadcaster. With a RedisRelay attached, broadcasts go through Redis
pub/sub on "broadcast:{accountId}" so that every node delivers them to its own
subscribers. Handler exposes an account's stream over a websocket.

Hub.Forward also puts coordinator events on the stream: capability check
requests (kind "capability_check", addressed by delegateId and carrying the
decoded capabilities to check) and account alerts (kind "alert").

Slow subscribers are disconnected instead of slowing down the publisher.
Delegates reconcile through their pending events, so a dropped broadcast is
never the only way to learn about a task.
*/
package stream
