// Package publisher mirrors projected property values onto an MQTT broker.
//
// Each update is published to <topic_prefix>/<display name> as
//
//	{"value": <value>, "subscription_id": <id>, "ts": "<RFC3339 time>"}
//
// The publisher announces itself on <topic_prefix>/status, with a Last Will
// so subscribers see it go offline when the process dies. Publish failures
// are logged and counted; they never reach the subscription engine.
package publisher
