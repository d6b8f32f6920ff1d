// Package cluster holds the shared vocabulary of the replication mesh: node
// addresses, seeds, peer observations, the wire bodies of the control plane,
// the process-wide View of the mesh and the seed-based election.
//
// # Overview
//
// Every node runs the same binary. There is no coordinator; instead each node
// probes the peers it was configured with, feeds what it saw into
// ElectMaster, and records the outcome in its View. Given distinct seeds and
// a stable network, every reachable node computes the same master within a
// heartbeat cycle or two.
//
//	  node1 (seed 100)      node2 (seed 500)      node3 (seed 300)
//	┌───────────────┐     ┌───────────────┐     ┌───────────────┐
//	│ View          │     │ View          │     │ View          │
//	│  master=node2 │◄───►│  master=node2 │◄───►│  master=node2 │
//	│  role=slave   │     │  role=master  │     │  role=slave   │
//	└───────────────┘     │  slaves=1,3   │     └───────────────┘
//	                      └───────────────┘
//
// # View
//
// View replaces the loose global variables a simpler implementation would
// use. It exposes three operations that matter:
//
//   - Snapshot: a consistent copy for status replies and scheduling decisions
//   - ApplyElection: atomically store the probed members and compare-and-swap
//     the master, clearing slaves on any change
//   - RegisterSlave: record a node that announced itself to this master
//
// The View performs no I/O. Callers probe, elect and notify outside of it and
// only hand finished results in, so its lock is never held across a network
// call.
//
// # Election
//
// ElectMaster is pure. Members are sorted by address and the highest seed
// wins; equal seeds fall to the smallest address. Seeds are drawn from a wide
// range at start-up, so ties are rare, but the rule keeps the result
// identical on every node when they do happen.
//
// # Wire helpers
//
// GetJSON and PostForm are the two request shapes nodes use with each other.
// They take a context for deadlines and turn non-2xx replies into a
// *StatusError.
package cluster
