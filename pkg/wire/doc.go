// Package wire defines the companion protocol message shapes and their CBOR
// encoding.
//
// Messages use integer map keys for compactness. The encoder is deterministic
// (canonical sort, definite lengths) so identical messages produce identical
// bytes; the decoder is lenient for forward compatibility with newer peers.
//
// The shapes here are the ones the core exchanges itself: the device message
// envelope multiplexed over the secured channel, query and query-response
// frames, the verification-code message used during v4 association, the
// capabilities exchange, and the out-of-band association token. Feature-level
// payloads are opaque bytes.
package wire
