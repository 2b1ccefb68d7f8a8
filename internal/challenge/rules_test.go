package challenge

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

func TestRules_Validate(t *testing.T) {
	testCases := []struct {
		code string
		want schemas.ChallengeStatus
	}{
		{"", schemas.ChallengeEmpty},
		{"a1b2c3", schemas.ChallengeValid},
		{"a1b2c3d", schemas.ChallengeAgingMinor},
		{"a1b2c3d4", schemas.ChallengeAgingSevere},
		{"ab1", schemas.ChallengeTooShort},
		{"ab12", schemas.ChallengeTooShort},
		{"ab12c", schemas.ChallengeTooShort},
		{"a1b2c3d4e", schemas.ChallengeTooLong},
		{"444444", schemas.ChallengePatternRejected},
		{"4333", schemas.ChallengePatternRejected},
		{"333", schemas.ChallengePatternRejected},
		{"0000", schemas.ChallengePatternRejected},
		{"a", schemas.ChallengePatternRejected},
		{"aaaaaaaaaaaa", schemas.ChallengePatternRejected},
	}

	for _, tc := range testCases {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.want, DefaultRules.Validate(tc.code))
		})
	}
}

func TestRules_RelaxedThreshold(t *testing.T) {
	r := DefaultRules
	r.MinAcceptedLength = 4

	assert.Equal(t, schemas.ChallengeValid, r.Validate("ab12"))
	assert.Equal(t, schemas.ChallengeValid, r.Validate("ab12c"))
	assert.Equal(t, schemas.ChallengeTooShort, r.Validate("ab1"))
}

// Codes outside [MinLength, MaxLength] are never usable, whatever their content.
func TestRules_LengthProperty(t *testing.T) {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 2000; i++ {
		n := rng.Intn(16)
		b := make([]byte, n)
		for j := range b {
			b[j] = alphabet[rng.Intn(len(alphabet))]
		}
		code := string(b)
		status := DefaultRules.Validate(code)

		if n < DefaultRules.MinLength || n > DefaultRules.MaxLength {
			assert.False(t, status.Usable(), "code %q of length %d must not be usable", code, n)
		}
		if n >= 2 && status.Usable() {
			assert.NotEqual(t, n, countLeading(code), "single repeated character %q accepted", code)
		}
	}
}

func countLeading(s string) int {
	n := 0
	for n < len(s) && s[n] == s[0] {
		n++
	}
	return n
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a1b2c3", Normalize("  A1 b2-C3\n"))
	assert.Equal(t, "", Normalize("--- ###"))
	assert.Equal(t, "xy7", Normalize("xéy7"))
}
