package challenge

import (
	"strings"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

// Rules decides whether a decoded code is worth submitting.
type Rules struct {
	MinLength         int
	MinAcceptedLength int
	CanonicalLength   int
	MaxLength         int
	Blacklist         []string
}

// DefaultRules mirrors the production defaults.
var DefaultRules = Rules{
	MinLength:         4,
	MinAcceptedLength: 6,
	CanonicalLength:   6,
	MaxLength:         8,
	Blacklist:         []string{"4333", "333", "444", "1111", "0000", "4444", "3333"},
}

// RulesFromConfig builds Rules from the challenge configuration section.
func RulesFromConfig(cfg config.ChallengeConfig) Rules {
	return Rules{
		MinLength:         cfg.MinLength,
		MinAcceptedLength: cfg.MinAcceptedLength,
		CanonicalLength:   cfg.CanonicalLength,
		MaxLength:         cfg.MaxLength,
		Blacklist:         cfg.Blacklist,
	}
}

// Normalize lowercases raw decoder output and drops everything outside [a-z0-9].
func Normalize(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Validate classifies a normalized code. Degenerate patterns are checked
// before length so a blacklisted string is always reported as such.
func (r Rules) Validate(code string) schemas.ChallengeStatus {
	if code == "" {
		return schemas.ChallengeEmpty
	}
	if r.degenerate(code) {
		return schemas.ChallengePatternRejected
	}

	n := len(code)
	switch {
	case n < r.MinLength:
		return schemas.ChallengeTooShort
	case n > r.MaxLength:
		return schemas.ChallengeTooLong
	case n < r.MinAcceptedLength:
		return schemas.ChallengeTooShort
	case n <= r.CanonicalLength:
		return schemas.ChallengeValid
	case n == r.CanonicalLength+1:
		return schemas.ChallengeAgingMinor
	default:
		return schemas.ChallengeAgingSevere
	}
}

func (r Rules) degenerate(code string) bool {
	for _, bad := range r.Blacklist {
		if code == bad {
			return true
		}
	}
	return strings.Count(code, code[:1]) == len(code)
}
