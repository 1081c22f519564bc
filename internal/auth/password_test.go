package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// Cost 4 keeps these tests fast.
func newTestPasswordService() *PasswordService {
	return NewPasswordServiceForTest(bcrypt.MinCost)
}

func TestHash_And_Verify(t *testing.T) {
	ps := newTestPasswordService()

	hash, err := ps.Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if hash == "correct horse" {
		t.Fatal("Hash() returned the plaintext")
	}
	if err := ps.Verify(hash, "correct horse"); err != nil {
		t.Errorf("Verify() with the right password: %v", err)
	}
	if err := ps.Verify(hash, "wrong horse"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("Verify() with the wrong password = %v, want ErrPasswordMismatch", err)
	}
}

func TestHash_SaltsEveryHash(t *testing.T) {
	ps := newTestPasswordService()
	h1, _ := ps.Hash("same-password")
	h2, _ := ps.Hash("same-password")
	if h1 == h2 {
		t.Error("two hashes of the same password must differ")
	}
}

func TestCheck(t *testing.T) {
	ps := newTestPasswordService()
	tests := []struct {
		name     string
		password string
		want     error
	}{
		{"too short", "12345", ErrPasswordTooShort},
		{"minimum length", "123456", nil},
		{"multi-byte runes count as characters", "pässwö", nil},
		{"exactly 72 bytes", strings.Repeat("a", 72), nil},
		{"73 bytes", strings.Repeat("a", 73), ErrPasswordTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ps.Check(tt.password); !errors.Is(err, tt.want) {
				t.Errorf("Check() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerify_CorruptHash(t *testing.T) {
	ps := newTestPasswordService()
	err := ps.Verify("not-a-bcrypt-hash", "whatever")
	if err == nil || errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("Verify() with a corrupt hash = %v, want a non-mismatch error", err)
	}
}
