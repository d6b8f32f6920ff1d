// Package replication converges the file inventories of mesh nodes.
//
// Two mechanisms cooperate:
//
//   - Broadcast: when a client submits a file to a node, that node asks every
//     peer to pull it (POST /files with url, name and origin). The origin
//     sends one small request per peer; each peer fetches the bytes itself.
//   - Reconcile: the heartbeat periodically compares the local inventory to a
//     peer's GET /files and downloads the names it lacks. This repairs
//     whatever a broadcast missed while a node was down.
//
// Both are best effort. Reconcile works on name sets only and never
// overwrites a local file, so a name that exists anywhere locally is final.
// Two nodes that create the same name with different bytes will never notice;
// the mesh has no content versioning.
//
// Requests carrying an origin are treated as relays and are not broadcast
// again, which keeps one submission from echoing around the mesh. An optional
// dedup window adds a second guard per file name.
package replication
