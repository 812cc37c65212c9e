// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package taskqueue accepts tasks from callers and hands them to delegates.

Submission checks admission, pre-computes eligible delegates through the
matching engine, persists the task as QUEUED and broadcasts a hint on the
account channel. Delegates then race to Acquire it. The QUEUED to STARTED
transition is a single conditional update on the task row, so exactly one
delegate wins no matter how many processes or nodes compete; losers observe
a no-op and a retry by the winner returns the same Package.

Background loops expire overdue tasks, rebroadcast async tasks nobody picked
up, and garbage collect terminal tasks on a cron schedule. Synchronous
callers block on a Notifier until the task is terminal or its deadline
passes.
*/
package taskqueue
