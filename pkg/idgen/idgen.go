// Package idgen mints game ids and round letters.
package idgen

import (
	"math/rand/v2"

	"github.com/google/uuid"
)

// letters excludes q, x and z, which have too few usable words
const letters = "abcdefghijklmnoprstuvwy"

// MintID returns a new opaque game id
func MintID() string {
	return uuid.NewString()
}

// Letter returns a random starting letter for a round
func Letter() string {
	return string(letters[rand.IntN(len(letters))])
}
