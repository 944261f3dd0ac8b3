// Package mqtt publishes agent activity events to an MQTT broker so
// dashboards and other services can follow a search as it runs.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Every event is
// published as JSON to <topic_base>/<run_id>/activity. Terminal events
// are also published retained to <topic_base>/<run_id>/status so late
// subscribers see how a run ended. A will message moves the
// <topic_base>/availability topic to "offline" on unexpected
// disconnects.
package mqtt
