// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package matching resolves which delegates may run a task.

Capabilities are split by evaluation mode. Selectors and scope are checked in
process against delegate metadata. Agent-evaluable capabilities become
deduplicated Requirement rows whose per-delegate outcomes are cached as
Permission verdicts; the Engine intersects the delegates holding an ALLOWED,
non-stale verdict for every requirement. While that intersection is empty
and some verdict is still pending the Engine polls with bounded backoff.
UNCHECKED, stale and due-for-revalidation verdicts trigger a
CapabilityCheckRequested event so delegates re-check asynchronously.

When a delegate's tags or scopes change, the scope handler drops its
verdicts for requirements it no longer serves and marks SelectionDetails
blocked once no active delegate is left in scope. Blocked requirements
short-circuit matching until a delegate comes back into scope.
*/
package matching
