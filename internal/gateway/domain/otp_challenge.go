package domain

import "time"

// ChallengeState is the lifecycle state of one OTP challenge.
type ChallengeState string

const (
	ChallengeStatePending   ChallengeState = "pending"
	ChallengeStateVerified  ChallengeState = "verified"
	ChallengeStateExhausted ChallengeState = "exhausted"
)

// OtpChallenge is one in-flight verification attempt. Only the hash of the
// code survives issuance; the plaintext is handed to dispatch once and
// dropped. Challenges are keyed by phone E.164 in the store, so issuing a new
// one supersedes whatever was live for that phone.
type OtpChallenge struct {
	ID                string         `json:"id"`
	PhoneE164         string         `json:"phone_e164"`
	Carrier           Carrier        `json:"carrier"`
	CodeHash          string         `json:"code_hash"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresAt         time.Time      `json:"expires_at"`
	AttemptsRemaining int            `json:"attempts_remaining"`
	State             ChallengeState `json:"state"`
}

// Expired reports whether the challenge's TTL has passed at now. Expiry is
// enforced lazily at lookup; the store TTL is only a growth bound.
func (c *OtpChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Terminal reports whether no further verify can change the outcome.
func (c *OtpChallenge) Terminal() bool {
	return c.State == ChallengeStateVerified || c.State == ChallengeStateExhausted
}
