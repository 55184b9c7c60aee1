// Package shard opens the websocket connections ("shards") of one gateway
// client. Every shard resolves the gateway URL through the same TLS
// container, so the trust store is built once and shared by all of them.
package shard
