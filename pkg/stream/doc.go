// Package stream frames companion messages over a BLE connection.
//
// A message stream owns one peripheral's read/write characteristic pair. It
// splits outgoing device messages into packets sized to the connection's
// maximum write length, reassembles incoming packets, applies the session
// cipher to application payloads once encryption is established, and
// optionally compresses payloads when both sides negotiated the capability.
//
// The stream is single-writer: writes are queued and observed in submission
// order, and exactly one completion upcall fires per accepted write.
package stream
