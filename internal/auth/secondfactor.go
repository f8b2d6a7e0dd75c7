package auth

import "crypto/subtle"

// CodeVerifier decides whether a second-factor code is correct.
type CodeVerifier interface {
	VerifyCode(code string) bool
}

// StaticCode accepts exactly one configured code. An empty StaticCode accepts nothing.
type StaticCode string

// VerifyCode compares code against s in constant time.
func (s StaticCode) VerifyCode(code string) bool {
	if s == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s), []byte(code)) == 1
}

// SecondFactorGate completes authentication of a pending identity.
// There is no attempt counting or lockout.
type SecondFactorGate struct {
	verifier CodeVerifier
}

// NewSecondFactorGate constructs a SecondFactorGate using verifier.
func NewSecondFactorGate(verifier CodeVerifier) *SecondFactorGate {
	return &SecondFactorGate{verifier: verifier}
}

// Verify returns an AuthenticatedIdentity when code is accepted, ErrInvalidCode otherwise.
func (g *SecondFactorGate) Verify(p PendingIdentity, code string) (AuthenticatedIdentity, error) {
	if p.Username == "" || !g.verifier.VerifyCode(code) {
		return AuthenticatedIdentity{}, ErrInvalidCode
	}
	return AuthenticatedIdentity{Username: p.Username}, nil
}
