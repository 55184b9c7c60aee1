// Package tls builds the TLS client connector shared by every gateway shard
// of one client.
//
// A Container is constructed once from a Backend (the platform verifier, or a
// portable trust store sourced from the OS, the compiled-in anchors or a PEM
// bundle) and then handed to shards, which call Resolve at every connect to
// obtain the dial address and a Connector. Containers never change after
// construction, so they are shared without locks.
package tls
