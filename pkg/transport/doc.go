// Package transport defines the boundary to the underlying
// connection-oriented transport: connections to identified peers, address
// based transports, and the identity-keyed dialer the messages layer uses.
//
// Implementations live in subpackages (mem, tcp, quic). The messages layer
// treats a Conn as a black box that delivers reliable frames exactly once
// and in order, and unreliable frames best effort.
package transport
