// Package policy decides which gateway hosts shards may connect to.
//
// Decisions come from Rego modules evaluated with an embedded Open Policy
// Agent instance. Prepared queries and recent decisions are cached so the
// check stays cheap on every reconnect of every shard.
package policy
