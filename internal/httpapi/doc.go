// Package httpapi exposes the watcher over a small HTTP control API.
//
// Routes:
//
//	GET    /health                                  readiness of the endpoint connection
//	GET    /api/v1/subscriptions                    every watch with its phase and value
//	POST   /api/v1/subscriptions                    add a watch
//	DELETE /api/v1/subscriptions/{requestor}        drop a watch
//	PUT    /api/v1/subscriptions/{requestor}/value  write to the watched property
//	GET    /api/v1/variables                        named variable snapshot
//	GET    /api/v1/stats                            manager and router counters
//
// Errors are returned as {"status","code","message"}.
package httpapi
