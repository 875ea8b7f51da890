package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength is the minimum required password length in runes
	MinPasswordLength = 8
	// MaxPasswordBytes is bcrypt's input limit
	MaxPasswordBytes = 72
	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
	// DefaultGeneratedLength is the length of generated temporary passwords
	DefaultGeneratedLength = 12
	// SpecialCharacters is the set that satisfies the special-character rule
	SpecialCharacters = `!@#$%^&*(),.?":{}|<>`
)

const (
	upperAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerAlphabet = "abcdefghijklmnopqrstuvwxyz"
	digitAlphabet = "0123456789"
	fullAlphabet  = upperAlphabet + lowerAlphabet + digitAlphabet + SpecialCharacters
)

// Strength rule messages, in evaluation order
const (
	ReasonTooShort    = "Password must be at least 8 characters long"
	ReasonNoUppercase = "Password must contain at least one uppercase letter"
	ReasonNoLowercase = "Password must contain at least one lowercase letter"
	ReasonNoDigit     = "Password must contain at least one number"
	ReasonNoSpecial   = "Password must contain at least one special character"
	ReasonTooLong     = "Password must be at most 72 bytes long"
)

// dummySecret feeds the timing-parity comparison for unknown accounts
const dummySecret = "authguard-timing-parity-placeholder"

// StrengthResult is the outcome of ValidateStrength
type StrengthResult struct {
	Valid  bool
	Reason string
}

// CredentialHasher hashes and verifies passwords and checks their strength
type CredentialHasher struct {
	cost int

	dummyOnce   sync.Once
	dummyDigest []byte
}

// NewCredentialHasher creates a hasher using BcryptCost
func NewCredentialHasher() *CredentialHasher {
	return NewCredentialHasherWithCost(BcryptCost)
}

// NewCredentialHasherWithCost creates a hasher with an explicit bcrypt cost
func NewCredentialHasherWithCost(cost int) *CredentialHasher {
	return &CredentialHasher{cost: cost}
}

// Hash creates a salted bcrypt digest of secret
func (h *CredentialHasher) Hash(secret string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(secret), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(digest), nil
}

// Verify reports whether secret matches digest
func (h *CredentialHasher) Verify(secret, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(secret)) == nil
}

// VerifyDummy burns the same work as Verify against a fixed digest and
// always reports false. Used when the account does not exist.
func (h *CredentialHasher) VerifyDummy(secret string) bool {
	h.dummyOnce.Do(func() {
		h.dummyDigest, _ = bcrypt.GenerateFromPassword([]byte(dummySecret), h.cost)
	})
	_ = bcrypt.CompareHashAndPassword(h.dummyDigest, []byte(secret))
	return false
}

// ValidateStrength returns the first violated rule, checked in the order
// length, uppercase, lowercase, digit, special character.
func (h *CredentialHasher) ValidateStrength(secret string) StrengthResult {
	if utf8.RuneCountInString(secret) < MinPasswordLength {
		return StrengthResult{Reason: ReasonTooShort}
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, char := range secret {
		switch {
		case unicode.IsUpper(char):
			hasUpper = true
		case unicode.IsLower(char):
			hasLower = true
		case unicode.IsDigit(char):
			hasDigit = true
		case strings.ContainsRune(SpecialCharacters, char):
			hasSpecial = true
		}
	}

	switch {
	case !hasUpper:
		return StrengthResult{Reason: ReasonNoUppercase}
	case !hasLower:
		return StrengthResult{Reason: ReasonNoLowercase}
	case !hasDigit:
		return StrengthResult{Reason: ReasonNoDigit}
	case !hasSpecial:
		return StrengthResult{Reason: ReasonNoSpecial}
	case len(secret) > MaxPasswordBytes:
		return StrengthResult{Reason: ReasonTooLong}
	}
	return StrengthResult{Valid: true}
}

// Generate produces a human-facing temporary password of the given length
// (at least MinPasswordLength) containing every required character class.
func (h *CredentialHasher) Generate(length int) (string, error) {
	if length < MinPasswordLength {
		length = MinPasswordLength
	}
	if length > MaxPasswordBytes {
		length = MaxPasswordBytes
	}

	out := make([]byte, 0, length)
	for _, alphabet := range []string{upperAlphabet, lowerAlphabet, digitAlphabet, SpecialCharacters} {
		c, err := randomChar(alphabet)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := randomChar(fullAlphabet)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	// Fisher-Yates
	for i := len(out) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

// HashForStorage is a fast deterministic digest for high-entropy bearer
// tokens. Never use it for passwords.
func HashForStorage(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomChar(alphabet string) (byte, error) {
	i, err := randomInt(len(alphabet))
	if err != nil {
		return 0, err
	}
	return alphabet[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("read random: %w", err)
	}
	return int(v.Int64()), nil
}

// GetBcryptCost extracts the cost factor from a bcrypt hash
func GetBcryptCost(hash string) (int, error) {
	return bcrypt.Cost([]byte(hash))
}
