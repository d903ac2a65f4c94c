// Package mqtt publishes the assistant's availability and status to an
// MQTT broker and accepts a small set of operator commands.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained Home Assistant discovery payloads
// for each status sensor, a birth message ("online") on the
// availability topic, and subscribes to the command topic. A will
// message moves availability to "offline" on unexpected disconnects.
//
// Commands arrive as plain-text payloads on <prefix>/<device>/command:
// "reinitialize" rebuilds the agent and "new_conversation" starts a
// fresh conversation.
package mqtt
