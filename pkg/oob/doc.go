// Package oob coalesces out-of-band association token sources behind a
// single request API.
//
// A token carries the symmetric material (key plus one nonce per direction)
// that binds the v4 verification-code exchange to a channel outside the
// wireless link: a companion app URL, a wired accessory, or a previously
// enrolled device. Tokens are ephemeral; each lives for at most one
// association attempt.
package oob
