// Package ble defines the transport surface the companion core consumes.
//
// The core never talks to a radio directly. A platform supplies a Central
// implementation (CoreBluetooth, BlueZ, a test double) and delivers every
// upcall on the core's dispatch queue. The interfaces here mirror the
// capability set in the protocol specification: scanning, connection
// lifecycle, GATT discovery, characteristic I/O, and state restoration.
package ble
