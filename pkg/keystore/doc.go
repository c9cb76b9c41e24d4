// Package keystore persists the long-lived secrets of the companion core:
// per-car reconnection keys, saved handshake sessions, escrow tokens and
// association handles, the installation device id, and the car registry
// itself.
//
// Values are byte-opaque. Deployments should back the store with
// device-bound storage that is available after first unlock; the FileStore
// here is the reference implementation, and MemoryStore serves tests.
//
// Removing a car removes its key, session, token, and handle in the same
// operation, so a crash can never leave a car with dangling key material.
package keystore
