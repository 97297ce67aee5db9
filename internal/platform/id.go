package platform

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const nameLength = 10
const secretBytes = 24

func NewID() string {
	return uuid.New().String()
}

// NewName generates a random lowercase identifier with the given prefix,
// safe for use as a database or role name.
func NewName(prefix string) string {
	b := make([]byte, nameLength)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	for i := range b {
		b[i] = nameAlphabet[b[i]%byte(len(nameAlphabet))]
	}
	return prefix + string(b)
}

// NewSecret generates a random hex secret suitable for database passwords.
func NewSecret() string {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
