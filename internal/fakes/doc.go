// Package fakes provides the in-memory doubles the companion core is tested
// and demonstrated against: a fake BLE central with scriptable peripherals,
// a scripted car that speaks the companion protocol's car side, and a
// deterministic handshake provider.
//
// Nothing here is production code. The handshake in particular is a test
// double with toy key agreement; real deployments plug in the platform's
// authenticated key-agreement library behind pkg/handshake.
package fakes
