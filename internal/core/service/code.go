package service

import (
	"crypto/rand"
	"fmt"
)

// codeAlphabet has 32 symbols without the easily confused I, O, 0 and 1, so
// a byte masked to its low five bits indexes it uniformly.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeGenerator draws pickup codes of the requested length.
type CodeGenerator func(length int) (string, error)

func RandomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[b&31]
	}
	return string(buf), nil
}
