/*
Package capability models what a task requires and what a delegate can prove.

A Capability is a closed sum type. Manager-evaluable variants (Selector,
AlwaysTrue) are decided in process from delegate metadata; agent-evaluable
variants (HTTPConnection, SocketConnection, ProcessExecutor, SystemEnv) need a
check executed by the delegate, whose outcome is cached as a Verdict.

Capabilities travel as tagged envelopes ({"type": ..., "params": ...}) and
are deduplicated per account through RequirementID.
*/
package capability
