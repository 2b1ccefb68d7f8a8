package schemas_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/termin-cli/api/schemas"
)

// TestConstants pins the string values that end up in logs, incidents and the database.
func TestConstants(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		constant string
		expected string
	}{
		{"PageMonth", string(schemas.PageMonth), "MONTH_VIEW"},
		{"PageForm", string(schemas.PageForm), "FORM_VIEW"},
		{"PageChallengeGate", string(schemas.PageChallengeGate), "CHALLENGE_GATE"},
		{"PageUnknown", string(schemas.PageUnknown), "UNKNOWN"},
		{"ChallengeBlackImage", string(schemas.ChallengeBlackImage), "BLACK_IMAGE"},
		{"HealthPoisoned", string(schemas.HealthPoisoned), "POISONED"},
		{"RoleScout", string(schemas.RoleScout), "SCOUT"},
		{"ModePreAttack", string(schemas.ModePreAttack), "PRE_ATTACK"},
		{"IncidentDoubleChallenge", string(schemas.IncidentDoubleChallenge), "DOUBLE_CHALLENGE"},
		{"SeverityCritical", string(schemas.SeverityCritical), "CRITICAL"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.constant)
		})
	}
}

func TestChallengeStatus_Usable(t *testing.T) {
	t.Parallel()
	usable := []schemas.ChallengeStatus{
		schemas.ChallengeValid, schemas.ChallengeAgingMinor, schemas.ChallengeAgingSevere,
	}
	rejected := []schemas.ChallengeStatus{
		schemas.ChallengeTooShort, schemas.ChallengeTooLong, schemas.ChallengeEmpty,
		schemas.ChallengeBlackImage, schemas.ChallengePatternRejected,
		schemas.ChallengeDecodeError, schemas.ChallengeNoImage,
	}
	for _, s := range usable {
		assert.True(t, s.Usable(), s)
	}
	for _, s := range rejected {
		assert.False(t, s.Usable(), s)
	}
}

func TestChallengeOutcome_Solved(t *testing.T) {
	t.Parallel()
	assert.True(t, schemas.ChallengeOutcome{Code: "a1b2c3", Status: schemas.ChallengeValid}.Solved())
	assert.False(t, schemas.ChallengeOutcome{Code: "", Status: schemas.ChallengeValid}.Solved())
	assert.False(t, schemas.ChallengeOutcome{Code: "a1b2", Status: schemas.ChallengeTooShort}.Solved())
}

func TestHealth_Ladder(t *testing.T) {
	t.Parallel()
	assert.True(t, schemas.HealthWarning.WorseThan(schemas.HealthClean))
	assert.True(t, schemas.HealthDegraded.WorseThan(schemas.HealthWarning))
	assert.True(t, schemas.HealthPoisoned.WorseThan(schemas.HealthDegraded))
	assert.False(t, schemas.HealthClean.WorseThan(schemas.HealthClean))
	assert.False(t, schemas.HealthWarning.WorseThan(schemas.HealthPoisoned))
}
