// Package subscription tracks the correlation between watch requests and the
// subscription ids the server assigns to them.
//
// The protocol never echoes client-supplied identifiers. A subscribe request is
// recorded as a Pending entry under its correlation Key (object + property) and
// is only matched to a server id when a full subscriptions snapshot lists that
// key. From then on the entry is Active and value changes are addressed by id.
//
// Three tables are kept:
//
//   - intents: what each requestor asked for; survives disconnects so the
//     manager can replay it on the next session
//   - pending: one entry per key awaiting confirmation
//   - active: one entry per server id
//
// Several requestors watching the same key share one Pending/Active entry; the
// server-side subscription is released when its last owner leaves.
//
// A Registry is not safe for concurrent use. It is owned by the connection
// manager's event loop and every method must be called from that goroutine.
package subscription
