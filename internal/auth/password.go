// Password hashing for the backend server's accounts.
//
// WHY BCRYPT?
// A password hash should be slow. bcrypt salts every hash itself, stores the
// salt and cost in the output, and lets the cost grow with hardware. A fast
// hash such as SHA-256 falls to GPU guessing long before bcrypt does.
//
// Stored form (what lands in users.password_hash):
//
//	$2a$12$<22-char salt><31-char hash>
//	    ^^ cost: 2^12 rounds
//
// THE 72-BYTE LIMIT:
// bcrypt ignores everything past byte 72. Hash rejects such input instead of
// letting two different long passwords verify as the same one.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// defaultCost is the bcrypt work factor: about 250ms per hash on current
	// hardware, negligible for sign-in and expensive for brute force.
	//
	// COST TUNING:
	// Aim for 200-300ms on the machine that serves sign-ins. Each step of
	// one doubles the time. Tests use bcrypt.MinCost through
	// NewPasswordServiceForTest.
	defaultCost = 12

	MinPasswordLength = 6
	// MaxPasswordBytes is bcrypt's input limit. Longer passwords are rejected
	// instead of being silently truncated.
	MaxPasswordBytes = 72
)

var (
	ErrPasswordTooShort = fmt.Errorf("auth: password must be at least %d characters", MinPasswordLength)
	ErrPasswordTooLong  = fmt.Errorf("auth: password must be %d bytes or fewer", MaxPasswordBytes)
	ErrPasswordMismatch = errors.New("auth: invalid password")
)

// PasswordService hashes and verifies passwords with bcrypt. The cost is a
// field so tests can run at bcrypt.MinCost.
type PasswordService struct {
	cost int
}

func NewPasswordService() *PasswordService {
	return &PasswordService{cost: defaultCost}
}

// NewPasswordServiceForTest uses the given cost. Never in production.
func NewPasswordServiceForTest(cost int) *PasswordService {
	return &PasswordService{cost: cost}
}

// Check enforces the length policy without hashing.
func (p *PasswordService) Check(plaintext string) error {
	switch {
	case len([]rune(plaintext)) < MinPasswordLength:
		return ErrPasswordTooShort
	case len(plaintext) > MaxPasswordBytes:
		return ErrPasswordTooLong
	}
	return nil
}

// Hash returns the self-describing bcrypt hash ($2a$<cost>$<salt><hash>).
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if err := p.Check(plaintext); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}
	return string(hashed), nil
}

// Verify returns ErrPasswordMismatch when plaintext does not match hash. The
// comparison is constant-time.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}
