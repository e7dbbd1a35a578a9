package fhe

import (
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	"github.com/drand/kyber/util/random"
)

// Group is the group ciphertexts live in.
var Group kyber.Group = bls.NewBLS12381Suite().G1()

// DefaultMaxPlaintext bounds the values a Decrypter can recover. Aggregates
// above it cannot be decrypted.
const DefaultMaxPlaintext uint64 = 1 << 32

// KeyPair is an ElGamal key pair.
type KeyPair struct {
	Secret kyber.Scalar
	Public kyber.Point
}

// GenerateKey returns a fresh key pair.
func GenerateKey() *KeyPair {
	s := Group.Scalar().Pick(random.New())
	return &KeyPair{Secret: s, Public: Group.Point().Mul(s, nil)}
}

// PointToString hex encodes a group point.
func PointToString(p kyber.Point) string {
	buff, _ := p.MarshalBinary()
	return hex.EncodeToString(buff)
}

// ScalarToString hex encodes a scalar.
func ScalarToString(s kyber.Scalar) string {
	buff, _ := s.MarshalBinary()
	return hex.EncodeToString(buff)
}

// StringToPoint decodes a point encoded by PointToString.
func StringToPoint(s string) (kyber.Point, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	p := Group.Point()
	return p, p.UnmarshalBinary(buff)
}

// StringToScalar decodes a scalar encoded by ScalarToString.
func StringToScalar(s string) (kyber.Scalar, error) {
	buff, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	sc := Group.Scalar()
	return sc, sc.UnmarshalBinary(buff)
}

// Encryptor holds only the public key. It is what participants use to
// prepare their contributions, and it supports homomorphic addition.
type Encryptor struct {
	pub kyber.Point
}

// NewEncryptor returns an Encryptor for pub.
func NewEncryptor(pub kyber.Point) *Encryptor {
	return &Encryptor{pub: pub}
}

// Encrypt returns (rG, vG + rP).
func (e *Encryptor) Encrypt(v uint64) (Ciphertext, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("encrypt %d: %w", v, ErrOutOfRange)
	}
	r := Group.Scalar().Pick(random.New())
	c1 := Group.Point().Mul(r, nil)
	m := Group.Point().Mul(Group.Scalar().SetInt64(int64(v)), nil)
	c2 := Group.Point().Add(m, Group.Point().Mul(r, e.pub))
	return encode(c1, c2)
}

// Add returns the component-wise sum of a and b, an encryption of the sum of
// their plaintexts.
func (e *Encryptor) Add(a, b Ciphertext) (Ciphertext, error) {
	a1, a2, err := decode(a)
	if err != nil {
		return nil, err
	}
	b1, b2, err := decode(b)
	if err != nil {
		return nil, err
	}
	return encode(Group.Point().Add(a1, b1), Group.Point().Add(a2, b2))
}

// rerandomize returns a fresh-looking encryption of the same plaintext.
func (e *Encryptor) rerandomize(c Ciphertext) (Ciphertext, error) {
	zero, err := e.Encrypt(0)
	if err != nil {
		return nil, err
	}
	return e.Add(c, zero)
}

// ElGamalDecrypter recovers plaintexts up to a bound with baby-step
// giant-step discrete logarithms.
type ElGamalDecrypter struct {
	secret kyber.Scalar
	max    uint64

	once  sync.Once
	step  uint64
	table map[string]uint64
}

// NewDecrypter returns a Decrypter for the given secret. Plaintexts larger
// than max are reported as ErrOutOfRange.
func NewDecrypter(secret kyber.Scalar, max uint64) *ElGamalDecrypter {
	if max == 0 {
		max = DefaultMaxPlaintext
	}
	return &ElGamalDecrypter{secret: secret, max: max}
}

// Decrypt returns the plaintext of c.
func (d *ElGamalDecrypter) Decrypt(c Ciphertext) (uint64, error) {
	m, err := d.message(c)
	if err != nil {
		return 0, err
	}
	v, ok := d.dlog(m, d.max)
	if !ok {
		return 0, fmt.Errorf("decrypt: %w", ErrOutOfRange)
	}
	return v, nil
}

// message strips the blinding factor and returns vG.
func (d *ElGamalDecrypter) message(c Ciphertext) (kyber.Point, error) {
	c1, c2, err := decode(c)
	if err != nil {
		return nil, err
	}
	return Group.Point().Sub(c2, Group.Point().Mul(d.secret, c1)), nil
}

func (d *ElGamalDecrypter) init() {
	d.step = uint64(math.Ceil(math.Sqrt(float64(d.max) + 1)))
	d.table = make(map[string]uint64, d.step)
	g := Group.Point().Base()
	acc := Group.Point().Null()
	for j := uint64(0); j < d.step; j++ {
		d.table[pointKey(acc)] = j
		acc = Group.Point().Add(acc, g)
	}
}

// dlog finds v in [0, bound] with m = vG.
func (d *ElGamalDecrypter) dlog(m kyber.Point, bound uint64) (uint64, bool) {
	d.once.Do(d.init)
	if bound > d.max {
		bound = d.max
	}
	giant := Group.Point().Neg(Group.Point().Mul(Group.Scalar().SetInt64(int64(d.step)), nil))
	gamma := m.Clone()
	for i := uint64(0); i*d.step <= bound; i++ {
		if j, ok := d.table[pointKey(gamma)]; ok {
			v := i*d.step + j
			if v <= bound {
				return v, true
			}
			return 0, false
		}
		gamma = Group.Point().Add(gamma, giant)
	}
	return 0, false
}

// Evaluator is a trusted ElGamal engine. Addition is homomorphic; the
// comparison, conjunction and selection are evaluated inside the evaluator,
// which holds the secret key and only ever returns fresh ciphertexts.
type Evaluator struct {
	*Encryptor
	dec *ElGamalDecrypter
}

var _ Engine = (*Evaluator)(nil)

// NewEvaluator returns an Engine backed by kp. Values above max are
// considered out of bound by LessOrEqual.
func NewEvaluator(kp *KeyPair, max uint64) *Evaluator {
	return &Evaluator{
		Encryptor: NewEncryptor(kp.Public),
		dec:       NewDecrypter(kp.Secret, max),
	}
}

// LessOrEqual returns an encryption of 1 when a encrypts a value in
// [0, bound], 0 otherwise.
func (e *Evaluator) LessOrEqual(a Ciphertext, bound uint64) (Bool, error) {
	m, err := e.dec.message(a)
	if err != nil {
		return nil, err
	}
	_, ok := e.dec.dlog(m, bound)
	return e.encryptBool(ok)
}

// And returns an encryption of a && b.
func (e *Evaluator) And(a, b Bool) (Bool, error) {
	x, err := e.bool(a)
	if err != nil {
		return nil, err
	}
	y, err := e.bool(b)
	if err != nil {
		return nil, err
	}
	return e.encryptBool(x && y)
}

// Select returns a re-randomized copy of a when cond holds, of b otherwise.
func (e *Evaluator) Select(cond Bool, a, b Ciphertext) (Ciphertext, error) {
	c, err := e.bool(cond)
	if err != nil {
		return nil, err
	}
	if c {
		return e.rerandomize(a)
	}
	return e.rerandomize(b)
}

func (e *Evaluator) encryptBool(b bool) (Bool, error) {
	var v uint64
	if b {
		v = 1
	}
	c, err := e.Encrypt(v)
	return Bool(c), err
}

func (e *Evaluator) bool(b Bool) (bool, error) {
	m, err := e.dec.message(Ciphertext(b))
	if err != nil {
		return false, err
	}
	v, ok := e.dec.dlog(m, 1)
	if !ok {
		return false, fmt.Errorf("boolean: %w", ErrMalformed)
	}
	return v == 1, nil
}

func encode(c1, c2 kyber.Point) (Ciphertext, error) {
	b1, err := c1.MarshalBinary()
	if err != nil {
		return nil, err
	}
	b2, err := c2.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Ciphertext(append(b1, b2...)), nil
}

func decode(c Ciphertext) (kyber.Point, kyber.Point, error) {
	n := Group.PointLen()
	if len(c) != 2*n {
		return nil, nil, fmt.Errorf("length %d: %w", len(c), ErrMalformed)
	}
	c1, c2 := Group.Point(), Group.Point()
	if err := c1.UnmarshalBinary(c[:n]); err != nil {
		return nil, nil, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	if err := c2.UnmarshalBinary(c[n:]); err != nil {
		return nil, nil, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	return c1, c2, nil
}

func pointKey(p kyber.Point) string {
	b, _ := p.MarshalBinary()
	return string(b)
}
