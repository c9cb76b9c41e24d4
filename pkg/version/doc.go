// Package version negotiates the stream and security versions spoken with a
// peripheral.
//
// The exchange happens over the raw read/write characteristics before a
// message stream exists: the phone sends its supported ranges, the car
// answers with its own, and the resolver picks the highest versions both
// sides support. During association the resolver follows up with a
// capabilities exchange; during reconnection that round is skipped.
package version
