// Package api holds the HTTP surface of delegateflow.
//
// Routes live under /api/v1 and are split into account routes, used by
// callers and operators to submit tasks and manage delegates, and delegate
// routes, used by the delegates themselves to heartbeat, acquire and report.
//
// # Authentication
//
// Operator calls carry an API key in the X-API-Key header. Delegates send a
// bearer JWT signed with HS256 whose account_id claim scopes the token and
// whose optional delegate_id claim binds it to one delegate.
//
// # Streaming
//
// GET /api/v1/accounts/{accountId}/stream upgrades to a websocket that
// carries the account's task broadcasts, one JSON text frame per event.
package api
