// Package retry provides bounded retry and polling with exponential backoff.
//
// Retryer.Do retries failing operations such as unique-key conflicts during
// registration. Poll waits for asynchronously populated state, e.g. capability
// verdicts, with an explicit attempt bound so tests can shrink it.
package retry
