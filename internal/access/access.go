// Package access implements the privilege tier model that gates every
// record operation. A caller-supplied secret is resolved against an
// immutable Policy into a Decision, which the record store enforces on
// each read and write. Decisions are computed per call and never stored.
package access

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Level is the privilege tier granted to a caller.
type Level int

const (
	// LevelNone grants nothing. Absent, empty, or unrecognized secrets
	// all resolve here.
	LevelNone Level = iota

	// LevelGuardian sees and may write every record, including
	// restricted ones.
	LevelGuardian

	// LevelCoding sees only unrestricted, unscoped records.
	LevelCoding

	// LevelScoped sees only records tagged with its own scope name,
	// never restricted or cross-scope records.
	LevelScoped
)

// String returns the tier name for logging.
func (l Level) String() string {
	switch l {
	case LevelGuardian:
		return "guardian"
	case LevelCoding:
		return "coding"
	case LevelScoped:
		return "scoped"
	default:
		return "none"
	}
}

// ScopeSecret pairs a scope name with the SHA-256 hex digest of its secret.
type ScopeSecret struct {
	Name       string `yaml:"name"`
	SecretHash string `yaml:"secret_hash"`
}

// Policy holds the externally supplied secret-hash table. All values are
// pre-hashed; this package only compares digests and never recovers raw
// secrets. Policy values are immutable once built; config reloads swap in
// a fresh value rather than mutating an existing one.
type Policy struct {
	GuardianSecretHash string        `yaml:"guardian_secret_hash"`
	CodingSecretHash   string        `yaml:"coding_secret_hash"`
	Scopes             []ScopeSecret `yaml:"scopes"`
}

// Decision is the outcome of resolving a secret against a Policy.
// Scope is set only when Level is LevelScoped.
type Decision struct {
	Level Level
	Scope string
}

// Hash returns the SHA-256 hex digest (lowercase) of a raw secret.
// Unsalted and deterministic so it can be compared against the
// pre-hashed values carried in external configuration.
func Hash(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// hashEqual compares two hex digests in constant time. Digests are
// fixed-length, so length itself leaks nothing.
func hashEqual(a, b string) bool {
	if b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Resolve maps a presented secret to a Decision. First match wins:
// guardian, then coding, then each configured scope in order. An empty
// secret or one matching no configured hash resolves to LevelNone.
// Resolve is a pure function of its arguments.
func Resolve(secret string, p Policy) Decision {
	if secret == "" {
		return Decision{Level: LevelNone}
	}

	digest := Hash(secret)

	if hashEqual(digest, p.GuardianSecretHash) {
		return Decision{Level: LevelGuardian}
	}

	if hashEqual(digest, p.CodingSecretHash) {
		return Decision{Level: LevelCoding}
	}

	for _, s := range p.Scopes {
		if hashEqual(digest, s.SecretHash) {
			return Decision{Level: LevelScoped, Scope: s.Name}
		}
	}

	return Decision{Level: LevelNone}
}

// CanRead reports whether the decision permits reading a record with the
// given restricted flag and scope tag (empty scope means unscoped).
func (d Decision) CanRead(restricted bool, scope string) bool {
	switch d.Level {
	case LevelGuardian:
		return true
	case LevelCoding:
		return !restricted && scope == ""
	case LevelScoped:
		return !restricted && scope == d.Scope
	default:
		return false
	}
}

// CanWrite reports whether the decision permits writing a record with the
// given restricted flag and scope tag. The write policy mirrors the read
// policy: a tier never writes records it could not read back.
func (d Decision) CanWrite(restricted bool, scope string) bool {
	return d.CanRead(restricted, scope)
}
