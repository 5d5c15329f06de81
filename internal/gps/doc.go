// Package gps relays a single GNSS receiver to many consumers.
//
// A Relay reads gpsd JSON or NMEA from its upstream, publishes fixes on a
// Broadcaster, and keeps serving the last good fix (flagged stale) while the
// upstream reconnects. Server exposes the stream as NDJSON over TCP, Client
// consumes it in push agents, and MetaGPS forwards positions to a Kismet
// meta GPS websocket.
package gps
