// Package server implements the relaychat broadcast server.
//
// A client opens a WebSocket on /ws and logs in with a username. Every chat
// message from a logged-in client is fanned out to all logged-in clients,
// the sender included, together with join and leave notices.
//
// The pieces are split by concern: connection.go runs one session (login
// handshake, read loop, single-writer outbound queue), registry.go holds the
// membership and performs fan-out under its lock, acceptor.go keeps the
// listener accepting through transient errors, and http_server.go ties them
// to an http.Server with graceful shutdown.
package server
