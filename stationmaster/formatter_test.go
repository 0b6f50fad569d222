package stationmaster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCallsign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		expected string
	}{
		{"01", "1"},
		{"007", "7"},
		{"100", "100"},
		{"0", "0"},
		{"000", "0"},
		{"42", "42"},
		{"", ""},
		{CallsignNotAssigned, CallsignNotAssigned},
		{CallsignBlank, CallsignBlank},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, NormalizeCallsign(tc.in), tc.in)
		// idempotent
		assert.Equal(
			t,
			tc.expected,
			NormalizeCallsign(NormalizeCallsign(tc.in)),
			tc.in,
		)
	}
}

func TestValidateNickname(t *testing.T) {
	t.Parallel()

	valid := []string{
		"QFF-7",
		"QFF-7 | Smith123",
		"WOM | SO-12",
		"RFF",
		"a",
		strings.Repeat("x", 32),
	}
	for _, s := range valid {
		assert.True(t, ValidateNickname(s), s)
	}

	invalid := []string{
		"",
		strings.Repeat("x", 33),
		" QFF-7",
		"QFF-7 ",
		"QFF-",
		"QFF |",
		"QFF- 7",
		"QFF -7",
		"QFF  7",
	}
	for _, s := range invalid {
		assert.False(t, ValidateNickname(s), s)
	}
}

func TestFormatNickname(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		fenzCode     string
		callsign     string
		hhstjCode    string
		identityName string
		expected     string
	}{
		{
			name:         "fenz primary with number",
			fenzCode:     "QFF",
			callsign:     "7",
			identityName: "Smith123",
			expected:     "QFF-7 | Smith123",
		},
		{
			name:         "leading zeros normalized",
			fenzCode:     "QFF",
			callsign:     "07",
			identityName: "Smith123",
			expected:     "QFF-7 | Smith123",
		},
		{
			name:         "hhstj primary keeps number on fenz code",
			fenzCode:     "SO",
			callsign:     "12",
			hhstjCode:    "WOM",
			identityName: "Jones",
			expected:     "WOM | SO-12 | Jones",
		},
		{
			name:      "hhstj primary without identity",
			fenzCode:  "SO",
			callsign:  "12",
			hhstjCode: "WOM",
			expected:  "WOM | SO-12",
		},
		{
			name:         "recruit shows bare code",
			fenzCode:     "RFF",
			callsign:     CallsignNotAssigned,
			identityName: "NewJoiner",
			expected:     "RFF | NewJoiner",
		},
		{
			name:         "recruit keeps plain secondary",
			fenzCode:     "RFF",
			callsign:     CallsignNotAssigned,
			hhstjCode:    "EMT",
			identityName: "NewJoiner",
			expected:     "RFF | EMT | NewJoiner",
		},
		{
			name:         "not assigned emits prefixes only",
			fenzCode:     "SO",
			callsign:     CallsignNotAssigned,
			identityName: "Jones",
			expected:     "SO | Jones",
		},
		{
			name:         "blank emits prefixes only",
			fenzCode:     "QFF",
			callsign:     CallsignBlank,
			hhstjCode:    "EMT",
			identityName: "Jones",
			expected:     "EMT | QFF | Jones",
		},
		{
			name:         "composite secondary never joins a numbered primary",
			fenzCode:     "NC",
			callsign:     "1",
			hhstjCode:    "WOM-MIKE30",
			identityName: "Boss",
			expected:     "NC-1 | Boss",
		},
		{
			name:      "composite primary stands alone",
			fenzCode:  "SO",
			callsign:  "12",
			hhstjCode: "WOM-MIKE30",
			expected:  "WOM-MIKE30 | SO-12",
		},
		{
			name:         "identity only",
			identityName: "Smith123",
			expected:     "Smith123",
		},
		{
			name:     "nothing at all",
			expected: NicknameFallback,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				rv := FormatNickname(
					tc.fenzCode,
					tc.callsign,
					tc.hhstjCode,
					tc.identityName,
				)
				assert.Equal(t, tc.expected, rv)
				assert.True(t, ValidateNickname(rv))
			},
		)
	}
}

func TestFormatNicknameShrinkSequence(t *testing.T) {
	t.Parallel()

	longName := strings.Repeat("a", 30)

	// full join overflows, identity is dropped down to the primary
	rv := FormatNickname("QFF", "7", "VOL", longName)
	assert.Equal(t, "QFF-7", rv)

	// identity plus primary still fits after dropping the secondary
	name24 := strings.Repeat("b", 24)
	rv = FormatNickname("QFF", "7", "VOL", name24)
	assert.Equal(t, "QFF-7 | "+name24, rv)

	// no codes: an overlong identity is truncated to the cap
	name40 := strings.Repeat("c", 40)
	rv = FormatNickname("", "", "", name40)
	assert.Equal(t, strings.Repeat("c", 32), rv)

	// truncation that would leave a trailing hyphen falls back to "User"
	badName := strings.Repeat("d", 31) + "-" + strings.Repeat("d", 5)
	rv = FormatNickname("", "", "", badName)
	assert.Equal(t, NicknameFallback, rv)

	// every outcome stays within the hard cap
	for _, name := range []string{longName, name24, name40, badName} {
		out := FormatNickname("SSO", "123", "WOM-MIKE30", name)
		assert.LessOrEqual(t, len([]rune(out)), discordNicknameMaxLength)
		assert.True(t, ValidateNickname(out), out)
	}
}

func TestPreserveShorthand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		stored      string
		full        string
		expected    string
		rankChanged bool
	}{
		{
			name:     "shorthand kept",
			stored:   "WOM-MKE30",
			full:     "WOM-MIKE30",
			expected: "WOM-MKE30",
		},
		{
			name:     "bare prefix kept",
			stored:   "WOM",
			full:     "WOM-MIKE30",
			expected: "WOM",
		},
		{
			name:     "identical full form",
			stored:   "WOM-MIKE30",
			full:     "WOM-MIKE30",
			expected: "WOM-MIKE30",
		},
		{
			name:        "different rank overwrites",
			stored:      "SM",
			full:        "WOM-MIKE30",
			expected:    "WOM-MIKE30",
			rankChanged: true,
		},
		{
			name:        "empty stored is a change",
			stored:      "",
			full:        "WOM-MIKE30",
			expected:    "WOM-MIKE30",
			rankChanged: true,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				code, rankChanged := PreserveShorthand(tc.stored, tc.full)
				assert.Equal(t, tc.expected, code)
				assert.Equal(t, tc.rankChanged, rankChanged)
			},
		)
	}
}
