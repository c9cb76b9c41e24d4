// Package trusteddevice holds the per-car state of the trusted-device
// feature: the escrow token and association handle minted at enrollment, and
// the retained history of phone-initiated unlocks.
//
// Unlock records expire after fourteen days. Retention is enforced by a TTL
// cache rather than by the read path, so a record disappears at its deadline
// whether or not anyone asks for it.
package trusteddevice
