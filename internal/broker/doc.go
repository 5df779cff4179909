// ABOUTME: Package broker routes JSON-RPC traffic between clients and providers.
// ABOUTME: Documents the correlation model shared by calls and broadcasts.

// Package broker is the routing core. Client requests are forwarded to
// providers under broker-issued IDs so that IDs from independent clients
// can never collide on a provider connection; provider replies are matched
// back through the pending tables and restored to the original ID before
// delivery.
//
// Two correlation shapes exist. A call targets a single provider and
// resolves on the first reply or the call deadline. A broadcast fans out
// to every provider of the agent and resolves when all expected providers
// have replied, when the broadcast deadline passes, or when disconnects
// shrink the expected set down to the replies already collected. Each
// pending entry owns exactly one timer and is finalized exactly once.
package broker
