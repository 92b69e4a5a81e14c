// Package relay is a reference server for the parley wire contract.
//
// It accepts websocket clients on /ws, keeps presence, stores direct
// messages and serves the stored conversation of two users on
// GET /messages/{self}/{peer}. Several relay instances can share one Redis:
// presence lives in a Redis hash and messages fan out over Redis Streams.
// Without Redis everything stays in process.
package relay
