package auth

import (
	"golang.org/x/crypto/bcrypt"
)

const BcryptCost = 12

// HashToken hashes an admin API token for storage in settings. Only the
// hash is ever persisted.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckToken reports whether the presented token matches the stored hash.
func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
