// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package delegate tracks the remote workers that execute tasks.

The Registry owns durable Delegate records and their live Connection
sessions. Heartbeats upsert a session and resolve duplicates: a newer session
from a different location tells the older one to self-destruct, while a
newer session from the same location is a restarted process and supersedes
the old record. The LivenessChecker disconnects sessions whose heartbeats
stopped.

Registration of ordinary delegates is keyed by (account, host name, ip) and
runs under the delegateCountLock-{account} advisory lock whenever the
account has a delegate cap. Ephemeral delegates are resolved through an
IdentityResolver (see package identity).

Scope and Target decide which task groups, applications and environments a
delegate may serve. EventBus fans typed events out to subscribers on a
bounded goroutine pool.
*/
package delegate
