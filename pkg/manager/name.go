package manager

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/companion-protocol/companion-go/pkg/ble"
	"github.com/google/uuid"
)

// advertisedNameLength is the exact scan-response name size cars broadcast.
const advertisedNameLength = 8

// ResolveAdvertisedName extracts a car's display name from a scan result.
//
// The scan-response data under dataUUID wins when present: exactly 8 bytes
// of valid UTF-8 decode directly, anything else renders as hex. The
// platform-provided local name is the fallback. The prefix is prepended only
// when the resolved name is not the 8-byte form.
func ResolveAdvertisedName(adv *ble.Advertisement, dataUUID uuid.UUID, prefix string) string {
	data := adv.Data(dataUUID)

	if len(data) == advertisedNameLength && utf8.Valid(data) {
		return string(data)
	}
	if len(data) > 0 {
		return prefix + hex.EncodeToString(data)
	}
	if adv.LocalName != "" {
		return prefix + adv.LocalName
	}
	return ""
}
