// Package mqtt is the broker side of the bridge. It subscribes to rtl_433
// event topics and Home Assistant's status topic, feeds readings to a
// single worker, and publishes discovery messages on the translator's
// behalf.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the client re-subscribes
// and, when the bridge status device is enabled, publishes its retained
// discovery configs and an "online" birth message. A will message flips
// the availability topic to "offline" on unexpected disconnects.
package mqtt
