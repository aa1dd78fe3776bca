// Package server implements the HTTP and WebSocket side of the class relay.
//
// A Hub owns the relay registry and runs the single dispatcher loop; every
// registration, disconnect and inbound event goes through its channels, so
// routing state is never touched from two goroutines. Clients run a read
// pump that decodes envelopes and a write pump that drains their buffered
// send channel onto the socket.
package server
