// Package chat holds the data model shared by the parley client and the
// reference relay: direct messages, roster entries and the realtime wire
// contract (event names and the JSON frame that carries them).
//
// Everything here is plain data. Validation of inbound payloads lives in
// validate.go so that both sides of the wire reject the same malformed events.
package chat
