// Copyright (c) delegateflow Authors.
// Licensed under the MIT License.

/*
Package admission rejects task submissions that would push an account past
its per-rank ceiling of in-flight tasks.

The Controller compares the ceiling against a cached, approximate count of
QUEUED and STARTED tasks. Counts are refreshed by a background loop rather
than on every submission; a cold key is loaded once through singleflight no
matter how many submissions race for it. Limits can be replaced at runtime
with UpdateLimits.
*/
package admission
