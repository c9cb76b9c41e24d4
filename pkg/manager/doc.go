// Package manager orchestrates the companion core's connection lifecycle:
// radio power gating, association and reconnection scanning, connection
// retries, GATT setup, state-machine selection, secured-channel bookkeeping,
// dissociation, and state restoration after relaunch.
//
// The manager is the transport driver's delegate. Every upcall arrives on
// the core dispatch queue, and all manager state is touched only from that
// queue.
package manager
