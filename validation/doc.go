// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package validation implements the connection-validation handshake used when a
delegate tries to acquire a task whose capability verdicts it has not reported
yet.

# Flow

Acquire on an unchecked delegate calls Protocol.Begin, which adds the
delegate to the task's validating set and stamps the validation start once.
The delegate checks the capabilities it was sent and reports them through
Protocol.Record. Reported results are stored as permission verdicts, so later
tasks with the same requirements skip the handshake. When every
agent-evaluable capability of the task came back validated the delegate is
assigned through the queue's compare-and-swap.

# Timeouts

Monitor fails tasks that stayed in validation longer than the configured
timeout and still have no connected delegate holding an ALLOWED verdict for
every requirement. The error lists the delegates that tried and those that
never reported back.
*/
package validation
