package fhe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testMax = 1 << 16

func engines(t *testing.T) map[string]struct {
	Engine
	Decrypter
} {
	kp := GenerateKey()
	return map[string]struct {
		Engine
		Decrypter
	}{
		"elgamal": {NewEvaluator(kp, testMax), NewDecrypter(kp.Secret, testMax)},
		"clear":   {ClearEngine{}, ClearEngine{}},
	}
}

func TestEngineArithmetic(t *testing.T) {
	for name, e := range engines(t) {
		e := e
		t.Run(name, func(t *testing.T) {
			a, err := e.Encrypt(500)
			require.NoError(t, err)
			b, err := e.Encrypt(700)
			require.NoError(t, err)

			c1, err := e.Encrypt(500)
			require.NoError(t, err)
			require.NotEqual(t, a, c1, "encryption must be randomized")

			sum, err := e.Add(a, b)
			require.NoError(t, err)
			v, err := e.Decrypt(sum)
			require.NoError(t, err)
			require.Equal(t, uint64(1200), v)

			zero, err := e.Encrypt(0)
			require.NoError(t, err)
			v, err = e.Decrypt(zero)
			require.NoError(t, err)
			require.Equal(t, uint64(0), v)
		})
	}
}

func TestEngineConditionalSelect(t *testing.T) {
	for name, e := range engines(t) {
		e := e
		t.Run(name, func(t *testing.T) {
			val, err := e.Encrypt(42)
			require.NoError(t, err)
			zero, err := e.Encrypt(0)
			require.NoError(t, err)

			inBound, err := e.LessOrEqual(val, 42)
			require.NoError(t, err)
			outBound, err := e.LessOrEqual(val, 41)
			require.NoError(t, err)

			both, err := e.And(inBound, inBound)
			require.NoError(t, err)
			mixed, err := e.And(inBound, outBound)
			require.NoError(t, err)

			sel, err := e.Select(both, val, zero)
			require.NoError(t, err)
			v, err := e.Decrypt(sel)
			require.NoError(t, err)
			require.Equal(t, uint64(42), v)
			require.NotEqual(t, val, sel)

			sel, err = e.Select(mixed, val, zero)
			require.NoError(t, err)
			v, err = e.Decrypt(sel)
			require.NoError(t, err)
			require.Equal(t, uint64(0), v)
		})
	}
}

func TestElGamalOutOfRange(t *testing.T) {
	kp := GenerateKey()
	ev := NewEvaluator(kp, 1000)
	dec := NewDecrypter(kp.Secret, 1000)

	big, err := ev.Encrypt(5000)
	require.NoError(t, err)
	_, err = dec.Decrypt(big)
	require.ErrorIs(t, err, ErrOutOfRange)

	ok, err := ev.LessOrEqual(big, 1000)
	require.NoError(t, err)
	b, err := ev.bool(ok)
	require.NoError(t, err)
	require.False(t, b)

	_, err = dec.Decrypt(Ciphertext{0x01, 0x02})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestKeyEncoding(t *testing.T) {
	kp := GenerateKey()
	p, err := StringToPoint(PointToString(kp.Public))
	require.NoError(t, err)
	require.True(t, p.Equal(kp.Public))
	s, err := StringToScalar(ScalarToString(kp.Secret))
	require.NoError(t, err)
	require.True(t, s.Equal(kp.Secret))
}
