package stationmaster

import (
	"strings"
	"unicode"
)

// RankTier is the coarse priority band a rank code falls into. Tier is
// compared before numeric priority when two rank systems both apply.
type RankTier int

const (
	TierNone RankTier = iota
	TierRegular
	TierSupervisor
	TierLeadership
)

func (t RankTier) String() string {
	switch t {
	case TierRegular:
		return "regular"
	case TierSupervisor:
		return "supervisor"
	case TierLeadership:
		return "leadership"
	default:
		return "none"
	}
}

// RankSystem identifies which hierarchy a code belongs to.
type RankSystem string

const (
	RankSystemFENZ  RankSystem = "fenz"
	RankSystemHHStJ RankSystem = "hhstj"
)

const (
	supervisorTierFloor = 8
	leadershipTierFloor = 12
)

// Rank is one entry in a rank table: a short code and its numeric priority
// within its own hierarchy.
type Rank struct {
	Code     string
	Priority int
}

// fenzRanks is the FENZ hierarchy, lowest to highest. RFF is the lowest-tier
// code and gets special formatting treatment for unassigned callsigns.
var fenzRanks = []Rank{
	{Code: "RFF", Priority: 1},
	{Code: "QFF", Priority: 2},
	{Code: "SFF", Priority: 3},
	{Code: "SO", Priority: 4},
	{Code: "SSO", Priority: 5},
	{Code: "DCO", Priority: 6},
	{Code: "CO", Priority: 7},
	{Code: "AAC", Priority: 8},
	{Code: "AC", Priority: 9},
	{Code: "ANC", Priority: 10},
	{Code: "DNC", Priority: 11},
	{Code: "NC", Priority: 12},
}

// hhstjRanks is the HHStJ hierarchy, lowest to highest. Codes at or above
// TL may appear in composite form (ex: "WOM-MIKE30").
var hhstjRanks = []Rank{
	{Code: "VOL", Priority: 1},
	{Code: "FR", Priority: 2},
	{Code: "EMT", Priority: 3},
	{Code: "GRT", Priority: 4},
	{Code: "PARA", Priority: 5},
	{Code: "ICP", Priority: 6},
	{Code: "CSO", Priority: 7},
	{Code: "TL", Priority: 8},
	{Code: "SM", Priority: 9},
	{Code: "WOM", Priority: 10},
	{Code: "DOM", Priority: 11},
	{Code: "TDM", Priority: 12},
	{Code: "DCE", Priority: 13},
	{Code: "CE", Priority: 14},
}

var (
	fenzPriorities  = rankPriorityMap(fenzRanks)
	hhstjPriorities = rankPriorityMap(hhstjRanks)
)

// fenzLowestCode is the bottom of the FENZ table ("RFF").
var fenzLowestCode = fenzRanks[0].Code

func rankPriorityMap(ranks []Rank) map[string]int {
	m := make(map[string]int, len(ranks))
	for _, r := range ranks {
		m[r.Code] = r.Priority
	}
	return m
}

// FENZPriority returns the numeric priority for a FENZ code, or 0 if the
// code isn't in the table.
func FENZPriority(code string) int {
	return fenzPriorities[strings.ToUpper(code)]
}

// HHStJPriority returns the numeric priority for an HHStJ code, or 0 if the
// code isn't in the table. Composite codes ("WOM-MIKE30") are rated by
// their prefix.
func HHStJPriority(code string) int {
	return hhstjPriorities[compositePrefix(strings.ToUpper(code))]
}

// tierOf maps a numeric priority to its tier band.
func tierOf(priority int) RankTier {
	switch {
	case priority >= leadershipTierFloor:
		return TierLeadership
	case priority >= supervisorTierFloor:
		return TierSupervisor
	case priority >= 1:
		return TierRegular
	default:
		return TierNone
	}
}

// RankPriority is the outcome of comparing a FENZ code against an HHStJ
// code: whichever system wins is primary, the other (if present) secondary.
type RankPriority struct {
	PrimaryCode     string
	PrimarySystem   RankSystem
	PrimaryPriority int
	SecondaryCode   string
}

// ResolvePriority decides which of the two rank codes leads a display name.
//
// Tier always wins over numeric priority: a leadership code beats any
// supervisor or regular code regardless of the numbers involved. Within the
// same tier the higher numeric priority wins, and exact ties go to the FENZ
// code. If only one side carries a code, that side is primary with no
// secondary. The comparison is pure and deterministic.
func ResolvePriority(fenzCode, hhstjCode string) RankPriority {
	fenzPri := FENZPriority(fenzCode)
	hhstjPri := HHStJPriority(hhstjCode)

	fenzWins := func() RankPriority {
		rp := RankPriority{
			PrimaryCode:     fenzCode,
			PrimarySystem:   RankSystemFENZ,
			PrimaryPriority: fenzPri,
		}
		if hhstjPri > 0 {
			rp.SecondaryCode = hhstjCode
		}
		return rp
	}
	hhstjWins := func() RankPriority {
		rp := RankPriority{
			PrimaryCode:     hhstjCode,
			PrimarySystem:   RankSystemHHStJ,
			PrimaryPriority: hhstjPri,
		}
		if fenzPri > 0 {
			rp.SecondaryCode = fenzCode
		}
		return rp
	}

	switch {
	case fenzPri == 0 && hhstjPri == 0:
		return RankPriority{}
	case hhstjPri == 0:
		return fenzWins()
	case fenzPri == 0:
		return hhstjWins()
	}

	fenzTier := tierOf(fenzPri)
	hhstjTier := tierOf(hhstjPri)
	switch {
	case fenzTier > hhstjTier:
		return fenzWins()
	case hhstjTier > fenzTier:
		return hhstjWins()
	case hhstjPri > fenzPri:
		return hhstjWins()
	default:
		// ties break in FENZ's favor
		return fenzWins()
	}
}

// IsCompositeCode reports whether an HHStJ code carries the hyphenated
// "PREFIX-PHONETIC+NUMBER" form.
func IsCompositeCode(code string) bool {
	return strings.Contains(code, "-")
}

func compositePrefix(code string) string {
	prefix, _, _ := strings.Cut(code, "-")
	return prefix
}

// shortenPhonetic removes the interior vowels of a phonetic word, keeping
// the first and last letters and any trailing digits: "MIKE30" -> "MKE30".
func shortenPhonetic(s string) string {
	letters := strings.TrimRightFunc(s, unicode.IsDigit)
	digits := s[len(letters):]
	if len(letters) <= 2 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range letters {
		if i == 0 || i == len(letters)-1 {
			b.WriteRune(r)
			continue
		}
		switch unicode.ToUpper(r) {
		case 'A', 'E', 'I', 'O', 'U':
			continue
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString(digits)
	return b.String()
}

// CompositeRenderings returns the equivalent renderings of an HHStJ code in
// decreasing length. For "WOM-MIKE30" these are "WOM-MIKE30", "WOM-MKE30"
// and "WOM". Non-composite codes render only as themselves.
func CompositeRenderings(code string) []string {
	if !IsCompositeCode(code) {
		return []string{code}
	}
	prefix, phonetic, _ := strings.Cut(code, "-")
	renderings := []string{code}
	if short := shortenPhonetic(phonetic); short != phonetic {
		renderings = append(renderings, prefix+"-"+short)
	}
	return append(renderings, prefix)
}

// IsRenderingOf reports whether stored is one of the valid renderings of
// the full composite code. Used by the resync loop to preserve a user's
// chosen shorthand instead of overwriting it with the long form.
func IsRenderingOf(stored, full string) bool {
	for _, r := range CompositeRenderings(full) {
		if stored == r {
			return true
		}
	}
	return false
}
