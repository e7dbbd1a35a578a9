package fhe

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const clearLen = 16

// ClearEngine carries plaintexts in the clear, padded with a random nonce so
// equal values still produce distinct ciphertexts. It provides no secrecy and
// exists for tests and local demos.
type ClearEngine struct{}

var (
	_ Engine    = ClearEngine{}
	_ Decrypter = ClearEngine{}
)

// Encrypt implements Engine.
func (ClearEngine) Encrypt(v uint64) (Ciphertext, error) {
	c := make([]byte, clearLen)
	binary.BigEndian.PutUint64(c, v)
	if _, err := rand.Read(c[8:]); err != nil {
		return nil, err
	}
	return c, nil
}

// Add implements Engine.
func (e ClearEngine) Add(a, b Ciphertext) (Ciphertext, error) {
	x, err := e.Decrypt(a)
	if err != nil {
		return nil, err
	}
	y, err := e.Decrypt(b)
	if err != nil {
		return nil, err
	}
	if x+y < x {
		return nil, fmt.Errorf("add: %w", ErrOutOfRange)
	}
	return e.Encrypt(x + y)
}

// LessOrEqual implements Engine.
func (e ClearEngine) LessOrEqual(a Ciphertext, bound uint64) (Bool, error) {
	x, err := e.Decrypt(a)
	if err != nil {
		return nil, err
	}
	return e.boolean(x <= bound)
}

// And implements Engine.
func (e ClearEngine) And(a, b Bool) (Bool, error) {
	x, err := e.Decrypt(Ciphertext(a))
	if err != nil {
		return nil, err
	}
	y, err := e.Decrypt(Ciphertext(b))
	if err != nil {
		return nil, err
	}
	return e.boolean(x == 1 && y == 1)
}

// Select implements Engine.
func (e ClearEngine) Select(cond Bool, a, b Ciphertext) (Ciphertext, error) {
	c, err := e.Decrypt(Ciphertext(cond))
	if err != nil {
		return nil, err
	}
	src := b
	if c == 1 {
		src = a
	}
	v, err := e.Decrypt(src)
	if err != nil {
		return nil, err
	}
	return e.Encrypt(v)
}

// Decrypt implements Decrypter.
func (ClearEngine) Decrypt(c Ciphertext) (uint64, error) {
	if len(c) != clearLen {
		return 0, fmt.Errorf("length %d: %w", len(c), ErrMalformed)
	}
	return binary.BigEndian.Uint64(c), nil
}

func (e ClearEngine) boolean(b bool) (Bool, error) {
	var v uint64
	if b {
		v = 1
	}
	c, err := e.Encrypt(v)
	return Bool(c), err
}
