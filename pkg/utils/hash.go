package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey hashes a pre-shared API key using bcrypt. The hash, not the
// key, is what gets configured on the verifying side.
func HashAPIKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckAPIKey compares a presented key with its bcrypt hash.
func CheckAPIKey(plain, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}
