// Package relay implements the connection registry and room router of the
// class relay.
//
// The Registry is a plain data structure without locks. It is meant to be
// owned by a single dispatcher goroutine (see the server package's Hub),
// which serializes every Connect, Announce, Route and Forget call. Routing
// never performs I/O: it only computes the set of recipient connections and
// leaves delivery to the caller.
package relay
