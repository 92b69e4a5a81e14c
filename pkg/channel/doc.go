// Package channel owns the single realtime connection of a chat session.
//
// An Adapter dials through a Dialer, redials with backoff when the connection
// drops, serializes outbound frames through one writer goroutine and
// dispatches inbound frames to subscribed handlers from one reader goroutine,
// in arrival order. Handlers are removable so that a session can drop every
// subscription it made before a new session starts.
package channel
