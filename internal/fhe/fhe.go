// Package fhe defines the opaque encrypted-arithmetic capability the
// aggregation core consumes, and two implementations of it: exponential
// ElGamal over BLS12-381 G1 with a trusted evaluator for the non-linear
// operations, and a clear engine used as a test double.
//
// The core only ever calls Engine. Decryption is reserved to the oracle,
// which holds a Decrypter.
package fhe

import (
	"encoding/hex"
	"errors"
)

// Ciphertext is an encrypted unsigned integer.
type Ciphertext []byte

// Bool is an encrypted boolean.
type Bool []byte

// String returns the hex encoding of c.
func (c Ciphertext) String() string {
	return hex.EncodeToString(c)
}

// ErrMalformed is returned when a ciphertext cannot be parsed.
var ErrMalformed = errors.New("malformed ciphertext")

// ErrOutOfRange is returned when a plaintext cannot be encoded or recovered.
var ErrOutOfRange = errors.New("plaintext out of range")

// Engine evaluates arithmetic and comparisons on ciphertexts without exposing
// plaintexts to its caller.
type Engine interface {
	// Encrypt returns a fresh encryption of v.
	Encrypt(v uint64) (Ciphertext, error)
	// Add returns an encryption of a+b.
	Add(a, b Ciphertext) (Ciphertext, error)
	// LessOrEqual returns an encryption of a <= bound.
	LessOrEqual(a Ciphertext, bound uint64) (Bool, error)
	// And returns an encryption of a && b.
	And(a, b Bool) (Bool, error)
	// Select returns an encryption of (cond ? a : b).
	Select(cond Bool, a, b Ciphertext) (Ciphertext, error)
}

// Decrypter recovers plaintexts. Only the oracle holds one.
type Decrypter interface {
	Decrypt(c Ciphertext) (uint64, error)
}
