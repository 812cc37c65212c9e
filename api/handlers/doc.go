// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package handlers implements the delegateflow HTTP API.

# Overview

Every handler follows net/http and answers with the Response envelope
{success, data, error, timestamp, request_id}. Service errors of type
types.Error are mapped to HTTP statuses by their code; any other error is
reported as INTERNAL_ERROR without leaking its text.

# Handlers

  - TaskHandler: async and sync submission, get, abort, acquire,
    validation reports and completion
  - DelegateHandler: registration, heartbeats, disconnects, capability
    verdicts, pending events and operator management (tags, scopes,
    approval, deletion)
  - HealthHandler: /health, /healthz, /ready and /version

Routes.Register mounts them on a ServeMux with method patterns.

# Validation and authorization

Task submissions are checked against the embedded JSON schema in
schemas/task_submit.json before they are decoded. When the auth middleware
placed a ctxkeys.Principal on the request, account routes require access to
the account and delegate routes additionally require the token to be issued
to that delegate or to the whole account.
*/
package handlers
