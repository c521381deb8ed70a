// Package trace records every frame exchanged with the endpoint, plus
// connection state changes, to a CBOR-encoded file for offline inspection.
//
// Events use integer map keys to keep trace files compact. A Reader streams
// events back out, optionally filtered by session, direction or kind.
package trace
