package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"shield-backend/internal/types"
)

// FieldModulus is the scalar field modulus of BN254 (alt_bn128), the curve
// the proving circuits are compiled for. Every value fed to or read from a
// circuit must be a canonical residue below this modulus.
var FieldModulus, _ = new(big.Int).SetString(
	"21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

var hexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")

// AddressToField converts a 20-byte hex address (with or without 0x prefix)
// to the decimal field-element string the circuits expect.
func AddressToField(address string) (string, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X")
	if len(clean) != 40 {
		return "", fmt.Errorf("%w: expected 20-byte hex address, got %d hex chars", types.ErrMalformedAddress, len(clean))
	}
	if !hexPattern.MatchString(clean) {
		return "", fmt.Errorf("%w: non-hex characters in %q", types.ErrMalformedAddress, address)
	}
	v, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrMalformedAddress, address)
	}
	return v.String(), nil
}

// HexToField converts an arbitrary-width hex value (commitments, blindings)
// to a decimal field string. The value must fit in the field.
func HexToField(hexValue string) (string, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(hexValue, "0x"), "0X")
	if clean == "" || !hexPattern.MatchString(clean) {
		return "", fmt.Errorf("%w: %q is not hex", types.ErrMalformedAddress, hexValue)
	}
	v, ok := new(big.Int).SetString(clean, 16)
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrMalformedAddress, hexValue)
	}
	if v.Cmp(FieldModulus) >= 0 {
		return "", fmt.Errorf("%w: %s", types.ErrFieldOverflow, hexValue)
	}
	return v.String(), nil
}

// FieldToHex32 renders a decimal field string as a canonical 32-byte hex
// value: lowercase, left-zero-padded to 64 hex digits, 0x-prefixed.
// Values at or above the field modulus are rejected, not truncated.
func FieldToHex32(decimal string) (string, error) {
	v, ok := new(big.Int).SetString(decimal, 10)
	if !ok || v.Sign() < 0 {
		return "", fmt.Errorf("%w: %q is not an unsigned decimal", types.ErrInvalidInput, decimal)
	}
	if v.Cmp(FieldModulus) >= 0 {
		return "", fmt.Errorf("%w: %s", types.ErrFieldOverflow, decimal)
	}
	return "0x" + fmt.Sprintf("%064x", v), nil
}

// NormalizeCommitmentHex canonicalizes a hex commitment to the same 32-byte
// form FieldToHex32 produces.
func NormalizeCommitmentHex(hexValue string) (string, error) {
	dec, err := HexToField(hexValue)
	if err != nil {
		return "", err
	}
	return FieldToHex32(dec)
}

// IsEvmAddress reports whether address looks like a 20-byte EVM address,
// with or without the 0x prefix.
func IsEvmAddress(address string) bool {
	if address == "" {
		return false
	}
	clean := address
	if strings.HasPrefix(strings.ToLower(address), "0x") {
		clean = address[2:]
	}
	return len(clean) == 40 && hexPattern.MatchString(clean)
}

// ValidateAmount parses a positive decimal amount string. Amounts are kept
// as decimal strings end to end because they span the full 256-bit range.
func ValidateAmount(amount string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q is not a decimal integer", types.ErrInvalidInput, amount)
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than 0", types.ErrInvalidInput)
	}
	return v, nil
}
