// Package oracle implements the decryption oracle: the only holder of the
// decryption key, answering asynchronous requests with signed plaintexts.
package oracle

import (
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/drand/kyber"
	"github.com/drand/kyber/sign/schnorr"
	"github.com/drand/kyber/util/random"
	json "github.com/nikkolasg/hexjson"

	"github.com/drand/tally/common"
	"github.com/drand/tally/internal/fhe"
	"github.com/drand/tally/internal/state"
)

// ErrBadSignature is returned when a response is not signed by the oracle key.
var ErrBadSignature = errors.New("oracle: invalid response signature")

// ErrMalformedResponse is returned when a response does not carry exactly
// one plaintext per aggregate.
var ErrMalformedResponse = errors.New("oracle: malformed response")

// Oracle accepts decryption requests. It returns as soon as the request is
// registered; the plaintexts come back later through a Callback.
type Oracle interface {
	RequestDecryption(ctx context.Context, cts []fhe.Ciphertext) (state.RequestID, error)
}

// Response carries the plaintexts of one request.
type Response struct {
	RequestID  state.RequestID `json:"request_id"`
	Plaintexts []uint64        `json:"plaintexts"`
	Signature  []byte          `json:"signature"`
}

// Marshal encodes r.
func (r *Response) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes r.
func (r *Response) Unmarshal(buff []byte) error {
	return json.Unmarshal(buff, r)
}

// Digest is the message covered by the signature.
func (r *Response) Digest() []byte {
	buff := []byte(r.RequestID)
	var n [8]byte
	for _, p := range r.Plaintexts {
		binary.BigEndian.PutUint64(n[:], p)
		buff = append(buff, n[:]...)
	}
	return buff
}

// Callback receives responses from an oracle.
type Callback func(ctx context.Context, r *Response) error

// Receiver is the service side of the callback: the sum of A and B values.
type Receiver interface {
	OnDecrypted(ctx context.Context, caller common.Identity, id state.RequestID, rawA, rawB uint64) error
}

// Scheme signs and verifies responses.
var Scheme = schnorr.NewScheme(&schnorrSuite{fhe.Group})

type schnorrSuite struct {
	kyber.Group
}

func (s *schnorrSuite) RandomStream() cipher.Stream {
	return random.New()
}

// IdentityOf derives the oracle identity from its public key.
func IdentityOf(pub kyber.Point) common.Identity {
	return common.Identity("0x" + fhe.PointToString(pub))
}

// Sign sets the signature of r.
func Sign(secret kyber.Scalar, r *Response) error {
	sig, err := Scheme.Sign(secret, r.Digest())
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Verify checks that r was signed by pub.
func Verify(pub kyber.Point, r *Response) error {
	if err := Scheme.Verify(pub, r.Digest(), r.Signature); err != nil {
		return fmt.Errorf("%w: %s", ErrBadSignature, err)
	}
	return nil
}

// Deliver forwards responses to rcv as caller. Used in process, where the
// response never leaves memory.
func Deliver(rcv Receiver, caller common.Identity) Callback {
	return func(ctx context.Context, r *Response) error {
		if len(r.Plaintexts) != 2 {
			return ErrMalformedResponse
		}
		return rcv.OnDecrypted(ctx, caller, r.RequestID, r.Plaintexts[0], r.Plaintexts[1])
	}
}

// VerifyAndDeliver checks the signature of every response against pub before
// forwarding it to rcv as the oracle identity.
func VerifyAndDeliver(rcv Receiver, pub kyber.Point) Callback {
	deliver := Deliver(rcv, IdentityOf(pub))
	return func(ctx context.Context, r *Response) error {
		if err := Verify(pub, r); err != nil {
			return err
		}
		return deliver(ctx, r)
	}
}
