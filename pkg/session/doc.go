// Package session is the conversation controller of the parley client.
//
// A Controller owns the session state machine
//
//	Anonymous -> Registering -> Joined (no peer) <-> Joined (peer P)
//
// and reconciles three inputs into one consistent Snapshot: user actions
// (Join, SelectPeer, SendMessage, Logout), the persisted identity, and
// inbound realtime events delivered by the channel. All transitions are
// serialized under one mutex. The only suspension point inside the state
// machine is the history fetch, whose continuation re-checks that its
// selection is still current before it touches the log.
package session
