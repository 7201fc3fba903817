// Package userhash derives the cosmetic avatar seed shown next to a
// profile. The output is an ETH-address-looking hex string computed from
// the subject id and email. It is not a credential and makes no
// collision-resistance claims; the algorithm is frozen for compatibility
// with seeds already stored in existing profiles.
package userhash

import (
	"strconv"
	"strings"
	"unicode/utf16"
)

const hexLength = 40

// Generate returns the deterministic avatar seed for (subjectID, email).
// Same inputs always yield the same string, matching ^0x[0-9a-f]{40}$.
func Generate(subjectID, email string) string {
	str := subjectID + "-" + email

	// Fold into a 32-bit signed accumulator, one UTF-16 code unit at a
	// time. Overflow must wrap at 32 bits, so the accumulator stays int32.
	units := utf16.Encode([]rune(str))
	var acc int32
	for _, u := range units {
		acc = acc*31 + int32(u)
	}

	// The three sub-hashes are computed in 64-bit arithmetic: the fold is
	// truncated, the mixing afterwards is not.
	h1 := strconv.FormatInt(abs64(int64(acc)), 16)
	h2 := strconv.FormatInt(abs64(int64(acc)*31+int64(len(units))), 16)
	h3 := strconv.FormatInt(abs64(int64(acc)*17+int64(emailLength(email))), 16)

	combined := stripNonHex(h1 + h2 + h3)
	if len(combined) < hexLength {
		combined = strings.Repeat("0", hexLength-len(combined)) + combined
	}
	return "0x" + combined[:hexLength]
}

func emailLength(email string) int {
	return len(utf16.Encode([]rune(email)))
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func stripNonHex(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
