// Package reconnection re-authenticates previously associated cars from
// their anonymized advertisements and resumes the saved secure session.
//
// A reconnecting car advertises an 11-byte payload: a 3-byte truncated
// HMAC-SHA256 followed by an 8-byte salt. The phone recomputes the HMAC with
// each associated car's stored key over the zero-padded salt; the first
// match (cars ordered by id) identifies the car. Post-connect, the phone
// proves freshness with a 16-byte challenge salt bound to the full HMAC and
// verifies the car's HMAC response before resuming the session.
//
// Only security versions 2 and above reconnect this way; v1 cars are found
// by their device-id service UUID and carry no advertisement payload.
package reconnection
