package stationmaster

import (
	"strings"
	"unicode/utf8"
)

const (
	// CallsignNotAssigned is the sentinel for a member who holds rank but no
	// numeric callsign yet.
	CallsignNotAssigned = "Not Assigned"

	// CallsignBlank is the sentinel for a member whose display name should
	// carry prefixes only. "-BLANK" never appears in output.
	CallsignBlank = "BLANK"

	// NicknameFallback is the last-resort display name when nothing else
	// validates.
	NicknameFallback = "User"

	// discordNicknameMaxLength is Discord's hard cap on guild nicknames.
	discordNicknameMaxLength = 32

	nicknameSeparator = " | "
)

// IsSentinelCallsign reports whether the value is one of the two callsign
// sentinels, which are exempt from uniqueness and numeric formatting.
func IsSentinelCallsign(callsign string) bool {
	return callsign == CallsignNotAssigned || callsign == CallsignBlank
}

// NormalizeCallsign strips leading zeros from a numeric callsign:
// "01" -> "1", "100" -> "100". Sentinels pass through untouched. The
// operation is idempotent.
func NormalizeCallsign(callsign string) string {
	if IsSentinelCallsign(callsign) {
		return callsign
	}
	trimmed := strings.TrimLeft(callsign, "0")
	if trimmed == "" && callsign != "" {
		return "0"
	}
	return trimmed
}

// ValidateNickname checks a candidate display name against the rules every
// emitted nickname must satisfy: 1-32 characters, no leading or trailing
// whitespace, must not end in "-" or "|", and must not contain "- ", " -",
// or a double space.
func ValidateNickname(s string) bool {
	n := utf8.RuneCountInString(s)
	if n < 1 || n > discordNicknameMaxLength {
		return false
	}
	if strings.TrimSpace(s) != s {
		return false
	}
	if strings.HasSuffix(s, "-") || strings.HasSuffix(s, "|") {
		return false
	}
	if strings.Contains(s, "- ") || strings.Contains(s, " -") {
		return false
	}
	return !strings.Contains(s, "  ")
}

// FormatNickname composes the canonical display name for a member from
// their rank codes, callsign and resolved identity name.
//
// The primary/secondary split comes from ResolvePriority. Numeric callsigns
// always attach to the FENZ code, which is the only issuer of numbers:
// "QFF-7" when FENZ is primary, "WOM | SO-12" when it is not. Sentinel
// callsigns emit prefixes only. A composite (hyphenated) secondary is only
// kept where it stands alone; it is never placed next to a numeric suffix.
// The resolved identity name joins last.
//
// The result is guaranteed to be a non-empty string of at most 32
// characters that passes ValidateNickname. When the full composition
// overflows, a deterministic shrink sequence runs: drop the lower-priority
// prefix, then keep only the numbered primary, then the identity name
// truncated to 32, then the literal "User".
func FormatNickname(fenzCode, callsign, hhstjCode, identityName string) string {
	rp := ResolvePriority(fenzCode, hhstjCode)
	callsign = NormalizeCallsign(callsign)
	identityName = strings.TrimSpace(identityName)

	var parts []string
	switch {
	case callsign == CallsignNotAssigned && rp.PrimaryCode != "" &&
		fenzCode == fenzLowestCode:
		// recruits show the bare code, with room for a plain secondary
		parts = append(parts, fenzLowestCode)
		if hhstjCode != "" && !IsCompositeCode(hhstjCode) {
			parts = append(parts, hhstjCode)
		}
	case IsSentinelCallsign(callsign) || callsign == "":
		if rp.PrimaryCode != "" {
			parts = append(parts, rp.PrimaryCode)
		}
		if rp.SecondaryCode != "" {
			parts = append(parts, rp.SecondaryCode)
		}
	case rp.PrimarySystem == RankSystemFENZ:
		parts = append(parts, rp.PrimaryCode+"-"+callsign)
		if rp.SecondaryCode != "" && !IsCompositeCode(rp.SecondaryCode) {
			parts = append(parts, rp.SecondaryCode)
		}
	case rp.PrimarySystem == RankSystemHHStJ:
		parts = append(parts, rp.PrimaryCode)
		if rp.SecondaryCode != "" {
			// the secondary here is the FENZ code, the number's issuer
			parts = append(parts, rp.SecondaryCode+"-"+callsign)
		}
	}

	primaryPart := ""
	if len(parts) > 0 {
		primaryPart = parts[0]
	}

	// Candidates are generated lazily and the first that validates wins.
	candidates := []func() string{
		func() string {
			all := parts
			if identityName != "" {
				all = append(append([]string{}, parts...), identityName)
			}
			return strings.Join(all, nicknameSeparator)
		},
		func() string {
			if primaryPart == "" || identityName == "" {
				return ""
			}
			return primaryPart + nicknameSeparator + identityName
		},
		func() string { return primaryPart },
		func() string { return truncate(identityName, discordNicknameMaxLength) },
	}

	for _, candidate := range candidates {
		if s := candidate(); ValidateNickname(s) {
			return s
		}
	}
	return NicknameFallback
}

// PreserveShorthand decides the HHStJ code to store when a resync derives
// a fresh full composite from live roles. If the stored code is one of the
// valid renderings of the new full code, the member's chosen rendering is
// kept and the change is not a rank change. Anything else overwrites.
func PreserveShorthand(stored, full string) (code string, rankChanged bool) {
	if stored != "" && IsRenderingOf(stored, full) {
		return stored, false
	}
	return full, stored != full
}
