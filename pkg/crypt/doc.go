// Package crypt provides the cryptographic primitives used by the companion
// protocol core: CSPRNG-backed random material, HMAC-SHA256 with the 3-byte
// truncation used in reconnection advertisements, and AES-GCM sealing for the
// out-of-band verification exchange.
//
// All random values come from crypto/rand. No time-based entropy is used
// anywhere, so identical inputs produce identical MACs and distinct calls
// produce independent salts.
package crypt
