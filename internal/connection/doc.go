// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns a single WebSocket connection to the property endpoint
//   - Runs the Disconnected → Connecting → Connected state machine
//   - Reconnects after unexpected drops on a fixed or growing interval
//   - Replays every wanted subscription when a new session starts
//   - Decodes server frames and feeds them to the subscription registry
//   - Sweeps subscribe requests that are never confirmed
//
// All registry state is owned by one goroutine. Public methods hand a
// closure to that goroutine and wait for it to run.
package connection
