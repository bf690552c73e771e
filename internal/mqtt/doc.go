// Package mqtt forwards run events to an MQTT broker and, optionally,
// accepts run cancellation commands from it.
//
// Events are published as JSON to <prefix>/runs/<run-id>/<kind>. The
// final status of each run is retained at <prefix>/runs/<run-id>/status
// and daily token totals at <prefix>/stats/tokens_today. The
// availability topic <prefix>/<client-id>/availability carries
// "online" while connected and a will message of "offline".
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. Publishing never blocks the loop:
// events are queued and dropped when the queue is full or the rate
// limit is exceeded.
package mqtt
