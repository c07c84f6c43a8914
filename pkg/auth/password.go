package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/darkhound/darkhound/pkg/services"
)

const minPasswordLen = 8

// HashPassword produces a bcrypt hash for storage.
func HashPassword(plain string) ([]byte, error) {
	if len(plain) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", services.ErrInvalidInput, minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	return hash, nil
}

// CheckPassword compares a stored hash against a login attempt. A
// mismatch is reported as ErrAuthRequired so handlers map it to 401
// without distinguishing bad password from unknown user.
func CheckPassword(hash []byte, plain string) error {
	if err := bcrypt.CompareHashAndPassword(hash, []byte(plain)); err != nil {
		return services.ErrAuthRequired
	}
	return nil
}
