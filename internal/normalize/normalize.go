// Package normalize canonicalizes externally supplied messaging addresses.
//
// The gateway reports the same account under several shapes: with a device
// suffix ("5511999999999:5@s.whatsapp.net"), bare ("5511999999999"), or on a
// legacy domain alias. Everything that keys on an address goes through
// Canonical first so those shapes collapse to one stable form.
package normalize

import "strings"

// CanonicalSuffix is the domain of the canonical address form.
const CanonicalSuffix = "s.whatsapp.net"

// Canonical returns the stable form of a raw external address. It is total
// and idempotent: Canonical(Canonical(x)) == Canonical(x) for every input.
//
// The local part keeps only what precedes a ":<digits>" device marker; the
// domain part, whether absent, a legacy alias (c.us, whatsapp.net) or
// anything else, is replaced by the canonical suffix.
func Canonical(raw string) string {
	local := raw
	if at := strings.Index(raw, "@"); at >= 0 {
		local = raw[:at]
	}
	return stripDeviceSuffix(local) + "@" + CanonicalSuffix
}

// LocalPart returns the address without domain or device suffix; for
// canonical addresses this is the raw phone number.
func LocalPart(raw string) string {
	local := raw
	if at := strings.Index(raw, "@"); at >= 0 {
		local = raw[:at]
	}
	return stripDeviceSuffix(local)
}

// HasDeviceSuffix reports whether the local part carries a ":<digits>"
// device marker.
func HasDeviceSuffix(raw string) bool {
	local := raw
	if at := strings.Index(raw, "@"); at >= 0 {
		local = raw[:at]
	}
	colon := strings.Index(local, ":")
	if colon < 0 || colon == len(local)-1 {
		return false
	}
	for _, r := range local[colon+1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// StripDeviceSuffix removes the device marker from a full address, keeping
// the domain part intact.
func StripDeviceSuffix(raw string) string {
	at := strings.Index(raw, "@")
	if at < 0 {
		return stripDeviceSuffix(raw)
	}
	return stripDeviceSuffix(raw[:at]) + raw[at:]
}

func stripDeviceSuffix(local string) string {
	colon := strings.Index(local, ":")
	if colon < 0 || colon == len(local)-1 {
		return local
	}
	for _, r := range local[colon+1:] {
		if r < '0' || r > '9' {
			return local
		}
	}
	return local[:colon]
}
