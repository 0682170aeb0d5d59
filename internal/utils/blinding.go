package utils

import (
	"crypto/rand"
	"fmt"
)

// NewBlinding draws a uniformly random field element below FieldModulus and
// returns it as a decimal string. crypto/rand.Int already rejection-samples,
// so the result is uniform rather than merely "random enough"; at 254 bits
// the collision probability across records is negligible.
func NewBlinding() (string, error) {
	v, err := rand.Int(rand.Reader, FieldModulus)
	if err != nil {
		return "", fmt.Errorf("failed to draw blinding factor: %w", err)
	}
	return v.String(), nil
}

// NewPrivateAddress draws the owner secret bound into every commitment a
// user holds. Same distribution as a blinding factor, but rendered as hex
// because it doubles as the user's private shielded identity.
func NewPrivateAddress() (string, error) {
	v, err := rand.Int(rand.Reader, FieldModulus)
	if err != nil {
		return "", fmt.Errorf("failed to draw private address: %w", err)
	}
	return fmt.Sprintf("0x%x", v), nil
}
