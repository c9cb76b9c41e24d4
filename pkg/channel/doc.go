// Package channel multiplexes encrypted application traffic for one car over
// an established message stream.
//
// Each feature endpoint is addressed by a recipient UUID. A recipient may
// register at most one message observer and one query observer; traffic that
// arrives before registration is buffered and replayed in arrival order.
// Queries are correlated by an id that wraps after 2^31-1, and every write
// accepted by the channel produces exactly one completion in submission
// order.
package channel
