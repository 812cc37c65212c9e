// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package testutil provides shared helpers for delegateflow tests.

  - Contexts: TestContext, TestContextWithTimeout, CancelledContext register
    cleanup so nothing leaks past the test.
  - Storage: OpenDB returns an in-memory sqlite gorm handle limited to one
    connection; NewRedis starts a miniredis instance with a client.
  - Async assertions: AssertEventuallyTrue and WaitFor poll a condition.
  - JSON: MustJSON and MustParseJSON.

Usage:

	db := testutil.OpenDB(t, &delegate.Delegate{}, &delegate.Connection{})
	mr, client := testutil.NewRedis(t)
*/
package testutil
