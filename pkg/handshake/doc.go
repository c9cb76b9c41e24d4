// Package handshake defines the surface of the authenticated key-agreement
// library the companion core consumes.
//
// The core treats the handshake as opaque: it feeds incoming
// encryption-handshake payloads in, sends the payloads the session produces,
// reacts to the verification and establishment upcalls, and persists the
// serialized session blob. The cryptography itself lives behind this
// interface and is deliberately not reimplemented here.
package handshake
