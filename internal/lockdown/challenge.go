package lockdown

import (
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"strings"
	"time"
)

// RecoveryChallenge is a time-boxed, single-use prompt required to exit
// lockdown. Immutable once issued; consumed, not mutated, by an attempt.
type RecoveryChallenge struct {
	ID                 string    `json:"id"`
	Question           string    `json:"question"`
	ExpectedAnswerHash string    `json:"expected_answer_hash"`
	CreatedAt          time.Time `json:"created_at"`
	ExpiresAt          time.Time `json:"expires_at"`
}

// ChallengePolicy supplies the recovery question bank. The state machine
// is fixed; the question/answer policy belongs to the host application,
// which should bind it to real account recovery.
type ChallengePolicy interface {
	// Issue returns a question and the hex-encoded SHA-256 of the
	// normalized expected answer.
	Issue() (question, expectedAnswerHash string)
}

// HashAnswer normalizes and hashes a recovery answer the way attempts are
// verified. Host policies should use it when building their bank.
func HashAnswer(answer string) string {
	normalized := strings.ToLower(strings.TrimSpace(answer))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// staticPolicy is the built-in fallback bank. It exists so the engine is
// operable before the host wires a real policy; the answers are support
// codes distributed out of band, not user secrets.
type staticPolicy struct {
	bank []staticChallenge
}

type staticChallenge struct {
	question   string
	answerHash string
}

// DefaultPolicy returns the built-in support-code challenge bank.
func DefaultPolicy() ChallengePolicy {
	return &staticPolicy{bank: []staticChallenge{
		{"Enter the support recovery code for this terminal", HashAnswer("POSGUARD-RECOVERY-1")},
		{"Enter the store manager recovery code", HashAnswer("POSGUARD-RECOVERY-2")},
		{"Enter the code provided by the support desk", HashAnswer("POSGUARD-RECOVERY-3")},
	}}
}

func (p *staticPolicy) Issue() (string, string) {
	picked := p.bank[rand.Intn(len(p.bank))]
	return picked.question, picked.answerHash
}
