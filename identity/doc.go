// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package identity keeps ephemeral delegates on a stable logical identity.

Infrastructure such as container schedulers hands a restarted worker a new
network identity. Such delegates identify through a (host name prefix,
sequence number, token) triple stored as a SequenceConfig; the delegate's
host name becomes "prefix_seq".

Resolution order on registration:

 1. a known delegate id whose slot token still matches is reused;
 2. a (sequence number, token) pair matching a live slot reattaches to the
    delegate bound to that slot, creating one when it was reaped;
 3. a slot not refreshed within the stale window is reclaimed: scope and tags
    of the delegate being replaced are copied forward and it is deleted;
 4. otherwise the smallest unused sequence number is allocated.

Each resolution is retried on unique-key conflicts; exhausting the retries
fails with DUPLICATE_IDENTITY. Heartbeats call KeepAlive, which refreshes the
slot and reports DUPLICATE_IDENTITY once another instance owns it.
*/
package identity
